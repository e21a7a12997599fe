package trading

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient available balance")

// Ledger tracks capital. available + reserved equals initial balance plus
// cumulative realized P&L at all times. Guarded by the Engine.
type Ledger struct {
	available decimal.Decimal
	reserved  decimal.Decimal
	dailyPnL  decimal.Decimal
	totalPnL  decimal.Decimal
	dayStart  time.Time

	tradesToday int
	winsToday   int
	lossesToday int
}

func NewLedger(initial decimal.Decimal, dayStart time.Time) *Ledger {
	return &Ledger{available: initial, dayStart: dayStart}
}

// LedgerFromSnapshot rebuilds the ledger after a restart. reserved is the
// notional sum of the restored Pending and Open trades; any difference from
// the snapshot's reservation is moved back into available.
func LedgerFromSnapshot(s BalanceSnapshot, reserved decimal.Decimal) *Ledger {
	return &Ledger{
		available:   s.Available.Add(s.Reserved).Sub(reserved),
		reserved:    reserved,
		dailyPnL:    s.DailyPnL,
		totalPnL:    s.TotalPnL,
		dayStart:    s.DayStart,
		tradesToday: s.TradesToday,
		winsToday:   s.WinsToday,
		lossesToday: s.LossesToday,
	}
}

func (l *Ledger) Available() decimal.Decimal { return l.available }
func (l *Ledger) Reserved() decimal.Decimal  { return l.reserved }
func (l *Ledger) DailyPnL() decimal.Decimal  { return l.dailyPnL }
func (l *Ledger) DayStart() time.Time        { return l.dayStart }

func (l *Ledger) Reserve(amount decimal.Decimal) error {
	if amount.GreaterThan(l.available) {
		return ErrInsufficientBalance
	}
	l.available = l.available.Sub(amount)
	l.reserved = l.reserved.Add(amount)
	return nil
}

// Reinstate reserves amount again for an entry that filled after it was
// released. Unlike Reserve it cannot refuse; it reports whether available
// covered the amount.
func (l *Ledger) Reinstate(amount decimal.Decimal) bool {
	covered := !amount.GreaterThan(l.available)
	l.available = l.available.Sub(amount)
	l.reserved = l.reserved.Add(amount)
	return covered
}

// Release returns a reservation untouched, as for a cancelled entry.
func (l *Ledger) Release(amount decimal.Decimal) {
	l.reserved = l.reserved.Sub(amount)
	l.available = l.available.Add(amount)
}

// Realize releases the reservation of a closed trade and books its P&L.
func (l *Ledger) Realize(amount, pnl decimal.Decimal) {
	l.reserved = l.reserved.Sub(amount)
	l.available = l.available.Add(amount).Add(pnl)
	l.dailyPnL = l.dailyPnL.Add(pnl)
	l.totalPnL = l.totalPnL.Add(pnl)
	l.tradesToday++
	switch {
	case pnl.IsPositive():
		l.winsToday++
	case pnl.IsNegative():
		l.lossesToday++
	}
}

// ResetDay zeroes the daily counters. Balances are untouched.
func (l *Ledger) ResetDay(dayStart time.Time) {
	l.dailyPnL = decimal.Zero
	l.tradesToday = 0
	l.winsToday = 0
	l.lossesToday = 0
	l.dayStart = dayStart
}

// Snapshot projects the ledger. unrealized is the mark-to-market P&L of open
// trades.
func (l *Ledger) Snapshot(version int64, unrealized decimal.Decimal, now time.Time) BalanceSnapshot {
	return BalanceSnapshot{
		Schema:      SnapshotSchema,
		Version:     version,
		Available:   l.available,
		Reserved:    l.reserved,
		Equity:      l.available.Add(l.reserved).Add(unrealized),
		DailyPnL:    l.dailyPnL,
		TotalPnL:    l.totalPnL,
		DayStart:    l.dayStart,
		TradesToday: l.tradesToday,
		WinsToday:   l.winsToday,
		LossesToday: l.lossesToday,
		Timestamp:   now,
	}
}
