package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Direction is +1 for long and -1 for short.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

type StrategyKind string

const (
	StrategyPump     StrategyKind = "pump"
	StrategyTopMover StrategyKind = "top_mover"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitDailyLimit   ExitReason = "daily_limit"
	ExitManual       ExitReason = "manual"
)

type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

type OrderType string

const OrderMarket OrderType = "MARKET"

type OrderState string

const (
	OrderNew       OrderState = "new"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
	OrderNotFound  OrderState = "not_found"
)

type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Components holds every input of a signal's composite score. The
// normalized fields are in [-1, 1]; External is nil when the predictive
// scorer was unavailable.
type Components struct {
	PriceChange float64 // percent over the criterion window
	VolumeRatio float64

	RSI               float64
	EMAFast           float64
	EMASlow           float64
	MACDHistogram     float64
	BollingerPosition float64
	ATR               float64

	Trend      float64
	Momentum   float64
	Volatility float64
	Volume     float64
	External   *float64

	// Agreement is the share of non-zero components pointing the same way
	// as the composite.
	Agreement float64
}

// Signal is an immutable entry candidate produced by the scanner.
type Signal struct {
	Symbol     string
	Kind       StrategyKind
	Side       Side
	Score      float64 // [0, 1]
	Price      float64
	Components Components
	DetectedAt time.Time
}

// TradeIntent is an approved signal with sizing and exit levels. It is never
// persisted on its own.
type TradeIntent struct {
	Signal          Signal
	Notional        decimal.Decimal
	Quantity        float64
	StopLoss        float64
	TakeProfit      float64
	TrailingStop    float64
	TrailingPercent float64
}

type Trade struct {
	ID       string
	Symbol   string
	Side     Side
	Strategy StrategyKind
	Status   Status

	EntryPrice float64
	Quantity   float64
	Notional   decimal.Decimal

	StopLoss        float64
	TakeProfit      float64
	TrailingStop    float64
	TrailingPercent float64
	LastPrice       float64

	EntryOrderID string
	ExitOrderID  string
	ExitPending  bool
	ExitReason   ExitReason
	ExitAttempts int
	ExitPrice    float64
	RealizedPnL  decimal.Decimal
	CancelReason string

	CreatedAt time.Time
	OpenedAt  time.Time
	ClosedAt  time.Time

	// Revision increases on every mutation; stores drop stale writes.
	Revision int64
}

// UnrealizedPnL marks the trade at LastPrice.
func (t *Trade) UnrealizedPnL() decimal.Decimal {
	if t.Status != StatusOpen || t.LastPrice <= 0 {
		return decimal.Zero
	}
	return pnl(t.Side, t.EntryPrice, t.LastPrice, t.Quantity)
}

func pnl(side Side, entry, exit, qty float64) decimal.Decimal {
	return decimal.NewFromFloat((exit - entry) * side.Direction() * qty).Round(8)
}

type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	Type          OrderType
	ClientOrderID string
}

type Fill struct {
	OrderID       string
	ClientOrderID string
	Price         float64
	Quantity      float64
	Time          time.Time
}

type OrderStatus struct {
	ClientOrderID string
	State         OrderState
	Fill          *Fill
}

// ExitOrder is the close instruction the monitor must submit.
type ExitOrder struct {
	TradeID  string
	Request  OrderRequest
	Reason   ExitReason
	Attempts int
}

const SnapshotSchema = 1

// BalanceSnapshot is the durable projection of the ledger.
type BalanceSnapshot struct {
	Schema      int
	Version     int64
	Available   decimal.Decimal
	Reserved    decimal.Decimal
	Equity      decimal.Decimal
	DailyPnL    decimal.Decimal
	TotalPnL    decimal.Decimal
	DayStart    time.Time
	TradesToday int
	WinsToday   int
	LossesToday int
	Timestamp   time.Time
}

const GlobalScope = "*"

type CooldownReason string

const (
	CooldownLoss       CooldownReason = "loss"
	CooldownDailyLimit CooldownReason = "daily_limit"
)

type CooldownEntry struct {
	Scope  string
	Reason CooldownReason
	Expiry time.Time
}

// Checkpoint is one committed mutation: the resulting snapshot plus every
// trade and cooldown it touched.
type Checkpoint struct {
	Version   int64
	Snapshot  BalanceSnapshot
	Trades    []Trade
	Cooldowns []CooldownEntry
}

type DailySummary struct {
	Day            time.Time
	Trades         int
	Wins           int
	Losses         int
	DailyPnL       decimal.Decimal
	DailyTarget    decimal.Decimal
	TargetProgress float64 // percent of target reached
	Equity         decimal.Decimal
	OpenTrades     int
}
