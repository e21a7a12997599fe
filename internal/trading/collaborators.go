package trading

import (
	"context"
	"time"
)

// Exchange executes orders and serves market data. Implementations classify
// failures as *TransientError or *RejectedError.
type Exchange interface {
	RecentCandles(ctx context.Context, symbol string, limit int) ([]Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	OrderStatus(ctx context.Context, symbol, clientOrderID string) (OrderStatus, error)
	// MinNotional must not block.
	MinNotional(symbol string) float64
}

// PriceSource serves cached last prices, typically from a live stream.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

type Store interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LatestSnapshot returns nil without error on an empty store.
	LatestSnapshot(ctx context.Context) (*BalanceSnapshot, error)
	LoadActiveTrades(ctx context.Context) ([]Trade, error)
	ActiveCooldowns(ctx context.Context, now time.Time) ([]CooldownEntry, error)
}

// Notifier delivers events to operators. Calls must not block and failures
// never affect trading.
type Notifier interface {
	NotifyTradeOpened(t Trade)
	NotifyTradeClosed(t Trade)
	NotifyRiskBreach(s BalanceSnapshot, limit string)
	NotifyDailySummary(s DailySummary)
	NotifyError(context string, err error)
	NotifyStatus(message string)
}

type nopNotifier struct{}

func (nopNotifier) NotifyTradeOpened(Trade)                  {}
func (nopNotifier) NotifyTradeClosed(Trade)                  {}
func (nopNotifier) NotifyRiskBreach(BalanceSnapshot, string) {}
func (nopNotifier) NotifyDailySummary(DailySummary)          {}
func (nopNotifier) NotifyError(string, error)                {}
func (nopNotifier) NotifyStatus(string)                      {}
