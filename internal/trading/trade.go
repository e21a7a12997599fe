package trading

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade transitions. Pending -> Open -> Closed, or Pending -> Cancelled.
// Every mutator bumps Revision; callers hold the Engine lock.

func newTrade(intent TradeIntent, now time.Time) *Trade {
	sig := intent.Signal
	return &Trade{
		ID:              uuid.NewString(),
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		Strategy:        sig.Kind,
		Status:          StatusPending,
		EntryPrice:      sig.Price,
		Quantity:        intent.Quantity,
		Notional:        intent.Notional,
		StopLoss:        intent.StopLoss,
		TakeProfit:      intent.TakeProfit,
		TrailingStop:    intent.TrailingStop,
		TrailingPercent: intent.TrailingPercent,
		LastPrice:       sig.Price,
		EntryOrderID:    newClientOrderID(),
		CreatedAt:       now,
		Revision:        1,
	}
}

// newClientOrderID returns an id within the exchange's 36 character limit.
func newClientOrderID() string {
	return "cp" + uuid.New().String()[:30]
}

// open applies the entry fill. Levels are rebased onto the fill price.
func (t *Trade) open(fill Fill, stop, take float64, now time.Time) {
	t.Status = StatusOpen
	t.EntryPrice = fill.Price
	if fill.Quantity > 0 {
		t.Quantity = fill.Quantity
	}
	t.StopLoss = stop
	t.TakeProfit = take
	t.TrailingStop = stop
	t.LastPrice = fill.Price
	t.OpenedAt = now
	t.Revision++
}

func (t *Trade) cancel(reason string, now time.Time) {
	t.Status = StatusCancelled
	t.CancelReason = reason
	t.ClosedAt = now
	t.Revision++
}

// exitTrigger reports which exit level price has crossed, if any.
func (t *Trade) exitTrigger(price float64) (ExitReason, bool) {
	if t.Side == SideShort {
		switch {
		case price >= t.StopLoss:
			return ExitStopLoss, true
		case price <= t.TakeProfit:
			return ExitTakeProfit, true
		case price >= t.TrailingStop:
			return ExitTrailingStop, true
		}
		return "", false
	}
	switch {
	case price <= t.StopLoss:
		return ExitStopLoss, true
	case price >= t.TakeProfit:
		return ExitTakeProfit, true
	case price <= t.TrailingStop:
		return ExitTrailingStop, true
	}
	return "", false
}

// ratchet moves the trailing stop toward price. It never loosens: a long
// stop only rises and a short stop only falls.
func (t *Trade) ratchet(price float64) bool {
	pct := decimal.NewFromFloat(t.TrailingPercent)
	if t.Side == SideShort {
		candidate := offset(price, pct)
		if candidate < t.TrailingStop {
			t.TrailingStop = candidate
			t.Revision++
			return true
		}
		return false
	}
	candidate := offset(price, pct.Neg())
	if candidate > t.TrailingStop {
		t.TrailingStop = candidate
		t.Revision++
		return true
	}
	return false
}

// requestExit marks the trade exit-pending with a fresh client order id.
func (t *Trade) requestExit(reason ExitReason) {
	t.ExitPending = true
	t.ExitReason = reason
	t.ExitOrderID = newClientOrderID()
	t.ExitAttempts = 0
	t.Revision++
}

func (t *Trade) exitOrder() *ExitOrder {
	return &ExitOrder{
		TradeID: t.ID,
		Reason:  t.ExitReason,
		Request: OrderRequest{
			Symbol:        t.Symbol,
			Side:          t.Side.ExitOrderSide(),
			Quantity:      t.Quantity,
			Type:          OrderMarket,
			ClientOrderID: t.ExitOrderID,
		},
		Attempts: t.ExitAttempts,
	}
}

// close applies the exit fill and returns the realized P&L.
func (t *Trade) close(fill Fill, now time.Time) decimal.Decimal {
	t.Status = StatusClosed
	t.ExitPrice = fill.Price
	t.ExitPending = false
	t.RealizedPnL = pnl(t.Side, t.EntryPrice, fill.Price, t.Quantity)
	t.LastPrice = fill.Price
	t.ClosedAt = now
	t.Revision++
	return t.RealizedPnL
}
