package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/cryptopump/internal/metrics"
)

// Restore rebuilds the engine from the store after a restart. The ledger's
// reservation is recomputed from the restored Pending and Open trades, and
// a day boundary crossed while offline resets the daily counters. Call it
// before any scheduled task runs, then Reconcile.
func (e *Engine) Restore(ctx context.Context) error {
	now := e.now()

	snap, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	trades, err := e.store.LoadActiveTrades(ctx)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	cooldowns, err := e.store.ActiveCooldowns(ctx, now)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	if snap != nil && snap.Schema != SnapshotSchema {
		return fmt.Errorf("snapshot schema %d, expected %d", snap.Schema, SnapshotSchema)
	}

	e.mu.Lock()
	reserved := decimal.Zero
	e.trades = make(map[string]*Trade, len(trades))
	e.submitting = make(map[string]struct{})
	for i := range trades {
		t := trades[i]
		if t.Status.Terminal() {
			continue
		}
		e.trades[t.ID] = &t
		reserved = reserved.Add(t.Notional)
	}

	if snap != nil {
		e.ledger = LedgerFromSnapshot(*snap, reserved)
		e.version = snap.Version
	} else {
		e.ledger = NewLedger(e.params.InitialBalance.Sub(reserved), e.day.Start(now))
		e.ledger.reserved = reserved
	}
	rolled := !e.day.SameDay(e.ledger.DayStart(), now)
	if rolled {
		e.ledger.ResetDay(e.day.Start(now))
	}

	e.cooldowns = NewCooldownRegistry()
	for _, cd := range cooldowns {
		if rolled && cd.Reason == CooldownDailyLimit {
			continue
		}
		e.cooldowns.Register(cd.Scope, cd.Reason, cd.Expiry)
	}
	cp := e.commitLocked(nil)
	st := cp.Snapshot
	count := len(e.trades)
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	e.logger.Info("state restored",
		"available", st.Available.StringFixed(2),
		"reserved", st.Reserved.StringFixed(2),
		"daily_pnl", st.DailyPnL.StringFixed(2),
		"trades", count,
		"cooldowns", len(cooldowns),
		"day_rolled", rolled,
	)
	return nil
}

// Reconcile resolves every Pending trade that has no entry in flight, every
// submitted exit and the trade behind an inconsistency halt against the
// exchange's order status, then lifts the halt. On error the halt stays in
// place and Reconcile can be retried.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	before := e.halt
	e.mu.Unlock()

	var errs []error
	if before != nil {
		if err := e.resolveHalt(ctx, before); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range e.idlePending() {
		if err := e.ResolveEntry(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range e.OpenTrades() {
		if !t.ExitPending || t.ExitAttempts == 0 {
			continue
		}
		if err := e.ResolveExit(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("reconcile: %w", errors.Join(errs...))
	}

	e.mu.Lock()
	lifted := before != nil && e.halt == before
	if e.halt == before {
		e.halt = nil
		metrics.SetHalted(false)
	}
	e.mu.Unlock()

	if lifted {
		e.logger.Info("reconciled, approvals resumed", "cleared", before.Error())
		e.notifier.NotifyStatus("Reconciliation complete, trading resumed")
	}
	return nil
}

// ResolveEntry settles a Pending trade from the exchange's view of its entry order.
func (e *Engine) ResolveEntry(ctx context.Context, t Trade) error {
	st, err := e.exchange.OrderStatus(ctx, t.Symbol, t.EntryOrderID)
	if err != nil {
		return fmt.Errorf("entry status %s: %w", t.ID, err)
	}
	switch st.State {
	case OrderFilled:
		if st.Fill == nil {
			return fmt.Errorf("entry status %s: filled without fill details", t.ID)
		}
		return e.ConfirmEntry(ctx, t.ID, *st.Fill)
	case OrderNew:
		if err := e.exchange.CancelOrder(ctx, t.Symbol, t.EntryOrderID); err != nil && !IsRejected(err) {
			return fmt.Errorf("cancel stale entry %s: %w", t.ID, err)
		}
		return e.CancelEntry(ctx, t.ID, "unfilled at reconcile")
	default:
		return e.CancelEntry(ctx, t.ID, "entry "+string(st.State))
	}
}

// ResolveExit settles a submitted exit from the exchange's view of the order.
func (e *Engine) ResolveExit(ctx context.Context, t Trade) error {
	st, err := e.exchange.OrderStatus(ctx, t.Symbol, t.ExitOrderID)
	if err != nil {
		return fmt.Errorf("exit status %s: %w", t.ID, err)
	}
	switch st.State {
	case OrderFilled:
		if st.Fill == nil {
			return fmt.Errorf("exit status %s: filled without fill details", t.ID)
		}
		return e.ConfirmExit(ctx, t.ID, *st.Fill)
	case OrderNew:
		return nil
	default:
		// the monitor resubmits under the new id
		return e.RenewExitOrder(ctx, t.ID)
	}
}

// resolveHalt re-derives the trade an inconsistency was reported for. An
// entry that filled after its trade was cancelled is reinstated.
func (e *Engine) resolveHalt(ctx context.Context, h *InconsistentStateError) error {
	if h.Event != eventEntryFill {
		return nil
	}
	t, ok := e.Trade(h.TradeID)
	if !ok || t.Status != StatusCancelled {
		return nil
	}

	st, err := e.exchange.OrderStatus(ctx, t.Symbol, t.EntryOrderID)
	if err != nil {
		return fmt.Errorf("halted entry status %s: %w", t.ID, err)
	}
	switch st.State {
	case OrderFilled:
		if st.Fill == nil || st.Fill.Price <= 0 {
			return fmt.Errorf("halted entry status %s: filled without fill details", t.ID)
		}
		return e.reinstateEntry(ctx, t.ID, *st.Fill)
	case OrderNew:
		if err := e.exchange.CancelOrder(ctx, t.Symbol, t.EntryOrderID); err != nil && !IsRejected(err) {
			return fmt.Errorf("cancel halted entry %s: %w", t.ID, err)
		}
		return fmt.Errorf("halted entry %s still live, cancel requested", t.ID)
	}
	return nil
}

// reinstateEntry reopens a cancelled trade with the fill of its entry order.
// When available no longer covers the notional the position is flattened.
func (e *Engine) reinstateEntry(ctx context.Context, id string, fill Fill) error {
	e.mu.Lock()
	now := e.now()
	t, ok := e.trades[id]
	if !ok || t.Status != StatusCancelled {
		e.mu.Unlock()
		return nil
	}
	covered := e.ledger.Reinstate(t.Notional)
	stop, take := e.risk.Levels(t.Side, fill.Price)
	t.CancelReason = ""
	t.ClosedAt = time.Time{}
	t.open(fill, stop, take, now)
	switch {
	case e.breakerActiveLocked(now):
		t.requestExit(ExitDailyLimit)
	case !covered:
		t.requestExit(ExitManual)
	}
	cp := e.commitLocked(nil, t)
	reopened := *t
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	metrics.TradesOpened.WithLabelValues(string(reopened.Strategy)).Inc()
	e.logger.Warn("cancelled entry found filled, trade reinstated",
		"trade", reopened.ID,
		"symbol", reopened.Symbol,
		"price", reopened.EntryPrice,
		"qty", reopened.Quantity,
		"exit_pending", reopened.ExitPending,
	)
	e.notifier.NotifyTradeOpened(reopened)
	return nil
}
