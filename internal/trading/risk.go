package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/cryptopump/internal/config"
)

// Params are the risk and sizing settings of one profile.
type Params struct {
	InitialBalance        decimal.Decimal
	CapitalPercentage     decimal.Decimal
	MaxConcurrentTrades   int
	DailyLossLimit        decimal.Decimal // fraction of InitialBalance
	DailyTargetPercentage decimal.Decimal // percent of InitialBalance
	StopLossPercent       float64
	TakeProfitPercent     float64
	TrailingStopPercent   float64
	CooldownAfterLoss     time.Duration
}

func ParamsFromConfig(cfg *config.Config) Params {
	t := cfg.Trading
	return Params{
		InitialBalance:        decimal.NewFromFloat(t.InitialBalance),
		CapitalPercentage:     decimal.NewFromFloat(t.CapitalPercentage),
		MaxConcurrentTrades:   t.MaxConcurrentTrades,
		DailyLossLimit:        decimal.NewFromFloat(t.DailyLossLimit),
		DailyTargetPercentage: decimal.NewFromFloat(t.DailyTargetPercentage),
		StopLossPercent:       t.StopLossPercent,
		TakeProfitPercent:     t.TakeProfitPercent,
		TrailingStopPercent:   t.TrailingStopPercent,
		CooldownAfterLoss:     cfg.CooldownAfterLoss(),
	}
}

// MaxDailyLoss is the absolute loss that trips the circuit breaker.
func (p Params) MaxDailyLoss() decimal.Decimal {
	return p.DailyLossLimit.Mul(p.InitialBalance)
}

func (p Params) DailyTarget() decimal.Decimal {
	return p.DailyTargetPercentage.Mul(p.InitialBalance).Div(decimal.NewFromInt(100))
}

// RiskManager gates signals. It is pure: every input is passed in by the
// Engine under its lock.
type RiskManager struct {
	params Params
}

func NewRiskManager(params Params) *RiskManager {
	return &RiskManager{params: params}
}

// riskView is the state a check reads.
type riskView struct {
	now         time.Time
	openCount   int
	minNotional decimal.Decimal
	ledger      *Ledger
	cooldowns   *CooldownRegistry
}

// Check runs the gates in order: cooldown, concurrency, daily loss, minimum
// notional. The first failure wins.
func (r *RiskManager) Check(sig Signal, v riskView) (TradeIntent, *Rejection) {
	if sig.Symbol == "" || sig.Price <= 0 || (sig.Side != SideLong && sig.Side != SideShort) {
		return TradeIntent{}, reject(RejectInvalidSignal, "symbol=%q price=%v side=%q", sig.Symbol, sig.Price, sig.Side)
	}

	if cd, ok := v.cooldowns.Active(sig.Symbol, v.now); ok {
		if cd.Scope == GlobalScope && cd.Reason == CooldownDailyLimit {
			return TradeIntent{}, reject(RejectDailyLossLimit, "trading halted until %s", cd.Expiry.Format(time.RFC3339))
		}
		return TradeIntent{}, reject(RejectCooldown, "%s cooling down until %s", cd.Scope, cd.Expiry.Format(time.RFC3339))
	}

	if v.openCount >= r.params.MaxConcurrentTrades {
		return TradeIntent{}, reject(RejectMaxConcurrentTrades, "%d of %d slots used", v.openCount, r.params.MaxConcurrentTrades)
	}

	if r.DailyLossBreached(v.ledger.DailyPnL()) {
		return TradeIntent{}, reject(RejectDailyLossLimit, "daily pnl %s, limit -%s", v.ledger.DailyPnL().StringFixed(2), r.params.MaxDailyLoss().StringFixed(2))
	}

	size := r.params.CapitalPercentage.Mul(v.ledger.Available()).Round(8)
	if size.LessThan(v.minNotional) {
		return TradeIntent{}, reject(RejectBelowMinNotional, "size %s below %s", size.StringFixed(2), v.minNotional.StringFixed(2))
	}
	if size.GreaterThan(v.ledger.Available()) {
		return TradeIntent{}, reject(RejectInsufficientBalance, "size %s, available %s", size.StringFixed(2), v.ledger.Available().StringFixed(2))
	}

	stop, take := r.Levels(sig.Side, sig.Price)
	return TradeIntent{
		Signal:          sig,
		Notional:        size,
		Quantity:        size.InexactFloat64() / sig.Price,
		StopLoss:        stop,
		TakeProfit:      take,
		TrailingStop:    stop,
		TrailingPercent: r.params.TrailingStopPercent,
	}, nil
}

// DailyLossBreached reports whether dailyPnL has reached the loss limit.
// Reaching it exactly counts as a breach.
func (r *RiskManager) DailyLossBreached(dailyPnL decimal.Decimal) bool {
	return !dailyPnL.GreaterThan(r.params.MaxDailyLoss().Neg())
}

// Levels returns the stop-loss and take-profit prices for an entry.
func (r *RiskManager) Levels(side Side, entry float64) (stop, take float64) {
	sl := decimal.NewFromFloat(r.params.StopLossPercent)
	tp := decimal.NewFromFloat(r.params.TakeProfitPercent)
	if side == SideShort {
		return offset(entry, sl), offset(entry, tp.Neg())
	}
	return offset(entry, sl.Neg()), offset(entry, tp)
}

// offset returns price moved by pct percent.
func offset(price float64, pct decimal.Decimal) float64 {
	hundred := decimal.NewFromInt(100)
	return decimal.NewFromFloat(price).Mul(hundred.Add(pct)).Div(hundred).InexactFloat64()
}
