package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/metrics"
)

var ErrTradeNotFound = errors.New("trade not found")

const persistTimeout = 5 * time.Second

// Engine is the single owner of the ledger, risk state, cooldowns and
// trades. Every mutation happens under mu and yields a Checkpoint that is
// persisted after mu is released. No exchange or store I/O runs under mu.
type Engine struct {
	mu        sync.Mutex
	params    Params
	day       DayBoundary
	risk      *RiskManager
	ledger    *Ledger
	cooldowns *CooldownRegistry
	trades    map[string]*Trade
	halt      *InconsistentStateError
	version   int64

	// Pending trades whose entry order is still being placed
	submitting map[string]struct{}

	persistMu sync.Mutex
	unsynced  []Checkpoint

	exchange Exchange
	store    Store
	notifier Notifier
	now      func() time.Time
	logger   *logger.Logger
}

type EngineOption func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func NewEngine(params Params, day DayBoundary, exchange Exchange, store Store, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		params:     params,
		day:        day,
		risk:       NewRiskManager(params),
		cooldowns:  NewCooldownRegistry(),
		trades:     make(map[string]*Trade),
		submitting: make(map[string]struct{}),
		exchange:   exchange,
		store:      store,
		notifier:   nopNotifier{},
		now:        time.Now,
		logger:     log,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(params.InitialBalance, day.Start(e.now()))
	return e
}

// Approve runs the risk checks for sig and, on success, reserves capital and
// records a Pending trade. It returns only after the reservation is durable;
// a failed write is compensated by cancelling the trade. The entry counts as
// in flight until it is confirmed, cancelled or EndEntrySubmission is called,
// and stale-entry resolution leaves the trade alone meanwhile.
func (e *Engine) Approve(ctx context.Context, sig Signal) (Trade, error) {
	minNotional := decimal.NewFromFloat(e.exchange.MinNotional(sig.Symbol))

	e.mu.Lock()
	now := e.now()
	if e.halt != nil {
		halt := e.halt
		e.mu.Unlock()
		metrics.RiskRejections.WithLabelValues(string(RejectHalted)).Inc()
		return Trade{}, reject(RejectHalted, "%v", halt)
	}

	intent, rej := e.risk.Check(sig, riskView{
		now:         now,
		openCount:   e.activeCountLocked(),
		minNotional: minNotional,
		ledger:      e.ledger,
		cooldowns:   e.cooldowns,
	})
	if rej != nil {
		var breach *Checkpoint
		if rej.Reason == RejectDailyLossLimit {
			breach = e.tripBreakerLocked(now)
		}
		e.mu.Unlock()

		metrics.RiskRejections.WithLabelValues(string(rej.Reason)).Inc()
		if breach != nil {
			e.persistBestEffort(ctx, *breach)
			e.notifier.NotifyRiskBreach(breach.Snapshot, e.params.MaxDailyLoss().StringFixed(2))
		}
		return Trade{}, rej
	}

	if err := e.ledger.Reserve(intent.Notional); err != nil {
		e.mu.Unlock()
		metrics.RiskRejections.WithLabelValues(string(RejectInsufficientBalance)).Inc()
		return Trade{}, reject(RejectInsufficientBalance, "%v", err)
	}
	t := newTrade(intent, now)
	e.trades[t.ID] = t
	e.submitting[t.ID] = struct{}{}
	cp := e.commitLocked(nil, t)
	approved := *t
	e.mu.Unlock()

	if err := e.persist(ctx, cp); err != nil {
		e.logger.Error("failed to persist approval, cancelling", "trade", t.ID, "symbol", t.Symbol, "error", err)
		if cerr := e.CancelEntry(ctx, t.ID, "persist failed"); cerr != nil {
			e.logger.Error("failed to compensate approval", "trade", t.ID, "error", cerr)
		}
		return Trade{}, fmt.Errorf("persist approval: %w", err)
	}

	e.logger.Info("trade approved",
		"trade", approved.ID,
		"symbol", approved.Symbol,
		"side", approved.Side,
		"notional", approved.Notional.StringFixed(2),
		"sl", approved.StopLoss,
		"tp", approved.TakeProfit,
	)
	return approved, nil
}

// ConfirmEntry applies an entry fill and moves the trade from Pending to
// Open. Replaying the fill of an already-open trade is a no-op.
func (e *Engine) ConfirmEntry(ctx context.Context, id string, fill Fill) error {
	e.mu.Lock()
	now := e.now()
	delete(e.submitting, id)
	t, ok := e.trades[id]
	if !ok {
		err := e.haltLocked(id, eventEntryFill, "")
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}
	if t.Status == StatusOpen && (fill.ClientOrderID == "" || fill.ClientOrderID == t.EntryOrderID) {
		e.mu.Unlock()
		return nil
	}
	if t.Status != StatusPending || (fill.ClientOrderID != "" && fill.ClientOrderID != t.EntryOrderID) {
		err := e.haltLocked(id, eventEntryFill, t.Status)
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}
	if fill.Price <= 0 {
		e.mu.Unlock()
		return fmt.Errorf("entry fill for %s has no price", id)
	}

	stop, take := e.risk.Levels(t.Side, fill.Price)
	t.open(fill, stop, take, now)
	if e.breakerActiveLocked(now) {
		t.requestExit(ExitDailyLimit)
	}
	cp := e.commitLocked(nil, t)
	opened := *t
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	metrics.TradesOpened.WithLabelValues(string(opened.Strategy)).Inc()
	e.logger.Info("trade opened",
		"trade", opened.ID,
		"symbol", opened.Symbol,
		"side", opened.Side,
		"price", opened.EntryPrice,
		"qty", opened.Quantity,
		"sl", opened.StopLoss,
		"tp", opened.TakeProfit,
	)
	e.notifier.NotifyTradeOpened(opened)
	return nil
}

// CancelEntry cancels a Pending trade and releases its reservation.
// Cancelling an already-cancelled trade is a no-op.
func (e *Engine) CancelEntry(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	now := e.now()
	delete(e.submitting, id)
	t, ok := e.trades[id]
	if !ok {
		err := e.haltLocked(id, eventEntryCancel, "")
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}
	switch t.Status {
	case StatusCancelled:
		e.mu.Unlock()
		return nil
	case StatusPending:
	default:
		err := e.haltLocked(id, eventEntryCancel, t.Status)
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}

	t.cancel(reason, now)
	e.ledger.Release(t.Notional)
	cp := e.commitLocked(nil, t)
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	metrics.TradesCancelled.Inc()
	e.logger.Warn("entry cancelled", "trade", id, "symbol", t.Symbol, "reason", reason)
	return nil
}

// Evaluate marks an open trade at price. It ratchets the trailing stop and,
// when an exit level is crossed, marks the trade exit-pending. The returned
// order is non-nil while an exit is pending.
func (e *Engine) Evaluate(ctx context.Context, id string, price float64) (*ExitOrder, error) {
	if price <= 0 {
		return nil, fmt.Errorf("evaluate %s: invalid price %v", id, price)
	}

	e.mu.Lock()
	t, ok := e.trades[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("evaluate %s: %w", id, ErrTradeNotFound)
	}
	if t.Status != StatusOpen {
		e.mu.Unlock()
		return nil, nil
	}
	t.LastPrice = price
	if t.ExitPending {
		order := t.exitOrder()
		e.mu.Unlock()
		return order, nil
	}

	if reason, hit := t.exitTrigger(price); hit {
		t.requestExit(reason)
		order := t.exitOrder()
		cp := e.commitLocked(nil, t)
		e.mu.Unlock()

		e.persistBestEffort(ctx, cp)
		e.logger.Info("exit triggered", "trade", id, "symbol", t.Symbol, "reason", reason, "price", price)
		return order, nil
	}

	if t.ratchet(price) {
		cp := e.commitLocked(nil, t)
		trailing := t.TrailingStop
		e.mu.Unlock()

		e.persistBestEffort(ctx, cp)
		e.logger.Debug("trailing stop raised", "trade", id, "trailing", trailing, "price", price)
		return nil, nil
	}
	e.mu.Unlock()
	return nil, nil
}

// MarkExitSubmitted records that the current exit order was sent, so later
// attempts query its status before sending again.
func (e *Engine) MarkExitSubmitted(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.trades[id]
	if !ok || t.Status != StatusOpen || !t.ExitPending {
		e.mu.Unlock()
		return fmt.Errorf("mark exit %s: %w", id, ErrTradeNotFound)
	}
	t.ExitAttempts++
	t.Revision++
	cp := e.commitLocked(nil, t)
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	return nil
}

// RenewExitOrder assigns a new client order id after the exchange
// definitively refused the previous exit order.
func (e *Engine) RenewExitOrder(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.trades[id]
	if !ok || t.Status != StatusOpen || !t.ExitPending {
		e.mu.Unlock()
		return fmt.Errorf("renew exit %s: %w", id, ErrTradeNotFound)
	}
	t.requestExit(t.ExitReason)
	cp := e.commitLocked(nil, t)
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	return nil
}

// ConfirmExit applies an exit fill, closes the trade and books the realized
// P&L. A loss starts the symbol cooldown; a breach of the daily loss limit
// trips the circuit breaker and force-closes everything else.
func (e *Engine) ConfirmExit(ctx context.Context, id string, fill Fill) error {
	e.mu.Lock()
	now := e.now()
	t, ok := e.trades[id]
	if !ok {
		err := e.haltLocked(id, eventExitFill, "")
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}
	if t.Status == StatusClosed && (fill.ClientOrderID == "" || fill.ClientOrderID == t.ExitOrderID) {
		e.mu.Unlock()
		return nil
	}
	if t.Status != StatusOpen || (fill.ClientOrderID != "" && fill.ClientOrderID != t.ExitOrderID) {
		err := e.haltLocked(id, eventExitFill, t.Status)
		e.mu.Unlock()
		e.reportInconsistent(err)
		return err
	}
	if fill.Price <= 0 {
		e.mu.Unlock()
		return fmt.Errorf("exit fill for %s has no price", id)
	}
	if t.ExitReason == "" {
		t.ExitReason = ExitManual
	}

	realized := t.close(fill, now)
	e.ledger.Realize(t.Notional, realized)

	var cooldowns []CooldownEntry
	if realized.IsNegative() && e.params.CooldownAfterLoss > 0 {
		cooldowns = append(cooldowns, e.cooldowns.Register(t.Symbol, CooldownLoss, now.Add(e.params.CooldownAfterLoss)))
	}

	touched := []*Trade{t}
	breached := false
	if e.risk.DailyLossBreached(e.ledger.DailyPnL()) && !e.breakerActiveLocked(now) {
		breached = true
		cooldowns = append(cooldowns, e.cooldowns.Register(GlobalScope, CooldownDailyLimit, e.day.Next(now)))
		touched = append(touched, e.forceExitLocked(ExitDailyLimit)...)
	}
	cp := e.commitLocked(cooldowns, touched...)
	closed := *t
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	metrics.TradesClosed.WithLabelValues(string(closed.ExitReason)).Inc()
	e.logger.Info("trade closed",
		"trade", closed.ID,
		"symbol", closed.Symbol,
		"reason", closed.ExitReason,
		"entry", closed.EntryPrice,
		"exit", closed.ExitPrice,
		"pnl", closed.RealizedPnL.StringFixed(4),
		"daily_pnl", cp.Snapshot.DailyPnL.StringFixed(4),
	)
	e.notifier.NotifyTradeClosed(closed)
	if breached {
		e.logger.Error("daily loss limit breached, trading halted until next reset",
			"daily_pnl", cp.Snapshot.DailyPnL.StringFixed(2),
			"limit", e.params.MaxDailyLoss().StringFixed(2),
			"forced", len(touched)-1,
		)
		e.notifier.NotifyRiskBreach(cp.Snapshot, e.params.MaxDailyLoss().StringFixed(2))
	}
	return nil
}

// ForceCloseAll marks every open trade exit-pending with reason and returns
// the exit orders to submit. Trades already exiting keep their order.
func (e *Engine) ForceCloseAll(ctx context.Context, reason ExitReason) []ExitOrder {
	e.mu.Lock()
	touched := e.forceExitLocked(reason)
	var orders []ExitOrder
	for _, t := range e.trades {
		if t.Status == StatusOpen && t.ExitPending {
			orders = append(orders, *t.exitOrder())
		}
	}
	var cp *Checkpoint
	if len(touched) > 0 {
		c := e.commitLocked(nil, touched...)
		cp = &c
	}
	e.mu.Unlock()

	if cp != nil {
		e.persistBestEffort(ctx, *cp)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Request.Symbol < orders[j].Request.Symbol })
	e.logger.Warn("force closing all trades", "reason", reason, "orders", len(orders))
	return orders
}

// ResetDay closes the trading day: it zeroes the daily counters, lifts the
// daily-limit cooldown and returns the summary of the day that ended.
func (e *Engine) ResetDay(ctx context.Context) DailySummary {
	e.mu.Lock()
	now := e.now()
	summary := e.summaryLocked(now)
	e.ledger.ResetDay(e.day.Start(now))
	cleared := e.cooldowns.Clear(CooldownDailyLimit)
	e.pruneLocked()
	cp := e.commitLocked(cleared)
	e.mu.Unlock()

	e.persistBestEffort(ctx, cp)
	e.logger.Info("daily reset",
		"trades", summary.Trades,
		"wins", summary.Wins,
		"losses", summary.Losses,
		"pnl", summary.DailyPnL.StringFixed(2),
		"target_progress", fmt.Sprintf("%.1f%%", summary.TargetProgress),
	)
	e.notifier.NotifyDailySummary(summary)
	return summary
}

// Halted returns the inconsistency that stopped approvals, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halt == nil {
		return nil
	}
	return e.halt
}

// CoolingDown reports whether symbol, or trading as a whole, is under an
// active cooldown.
func (e *Engine) CoolingDown(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cooldowns.Active(symbol, e.now())
	return ok
}

// Trade returns a copy of the trade with id.
func (e *Engine) Trade(id string) (Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trades[id]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// OpenTrades returns copies of every Open trade, oldest first.
func (e *Engine) OpenTrades() []Trade {
	return e.tradesWith(StatusOpen)
}

func (e *Engine) PendingTrades() []Trade {
	return e.tradesWith(StatusPending)
}

// EndEntrySubmission marks the entry order of trade id as no longer in
// flight. The trade stays Pending until resolved.
func (e *Engine) EndEntrySubmission(id string) {
	e.mu.Lock()
	delete(e.submitting, id)
	e.mu.Unlock()
}

// StalePending returns the Pending trades created more than maxAge ago whose
// entry order is not in flight.
func (e *Engine) StalePending(maxAge time.Duration) []Trade {
	e.mu.Lock()
	cutoff := e.now().Add(-maxAge)
	e.mu.Unlock()

	var out []Trade
	for _, t := range e.idlePending() {
		if t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Engine) idlePending() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Trade
	for id, t := range e.trades {
		if _, busy := e.submitting[id]; t.Status == StatusPending && !busy {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) tradesWith(status Status) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Trade
	for _, t := range e.trades {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// EngineStatus is a consistent read of the engine for status surfaces.
type EngineStatus struct {
	Snapshot    BalanceSnapshot
	Trades      []Trade
	Cooldowns   []CooldownEntry
	Halted      string
	Breaker     bool
	DailyTarget decimal.Decimal
	MaxTrades   int
}

func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	st := EngineStatus{
		Snapshot:    e.ledger.Snapshot(e.version, e.unrealizedLocked(), now),
		Cooldowns:   e.cooldowns.Entries(now),
		Breaker:     e.breakerActiveLocked(now),
		DailyTarget: e.params.DailyTarget(),
		MaxTrades:   e.params.MaxConcurrentTrades,
	}
	if e.halt != nil {
		st.Halted = e.halt.Error()
	}
	for _, t := range e.trades {
		if !t.Status.Terminal() {
			st.Trades = append(st.Trades, *t)
		}
	}
	sort.Slice(st.Trades, func(i, j int) bool { return st.Trades[i].CreatedAt.Before(st.Trades[j].CreatedAt) })
	return st
}

// Flush retries checkpoints whose write failed earlier.
func (e *Engine) Flush(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return e.flushLocked(ctx)
}

func (e *Engine) activeCountLocked() int {
	n := 0
	for _, t := range e.trades {
		if t.Status == StatusPending || t.Status == StatusOpen {
			n++
		}
	}
	return n
}

func (e *Engine) unrealizedLocked() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range e.trades {
		sum = sum.Add(t.UnrealizedPnL())
	}
	return sum
}

func (e *Engine) breakerActiveLocked(now time.Time) bool {
	cd, ok := e.cooldowns.Active("", now)
	return ok && cd.Scope == GlobalScope && cd.Reason == CooldownDailyLimit
}

// tripBreakerLocked starts the daily-limit cooldown and force-exits open
// trades. It returns nil when the breaker is already active.
func (e *Engine) tripBreakerLocked(now time.Time) *Checkpoint {
	if e.breakerActiveLocked(now) {
		return nil
	}
	cd := e.cooldowns.Register(GlobalScope, CooldownDailyLimit, e.day.Next(now))
	cp := e.commitLocked([]CooldownEntry{cd}, e.forceExitLocked(ExitDailyLimit)...)
	return &cp
}

func (e *Engine) forceExitLocked(reason ExitReason) []*Trade {
	var touched []*Trade
	for _, t := range e.trades {
		if t.Status == StatusOpen && !t.ExitPending {
			t.requestExit(reason)
			touched = append(touched, t)
		}
	}
	return touched
}

func (e *Engine) haltLocked(id, event string, status Status) *InconsistentStateError {
	err := &InconsistentStateError{TradeID: id, Event: event, Status: status}
	if e.halt == nil {
		e.halt = err
	}
	metrics.SetHalted(true)
	return err
}

func (e *Engine) reportInconsistent(err *InconsistentStateError) {
	e.logger.Error("inconsistent state, approvals halted until reconciled", "trade", err.TradeID, "event", err.Event, "error", err)
	e.notifier.NotifyError("reconciliation required", err)
}

// pruneLocked drops terminal trades that ended before the current day. The
// trade behind an unresolved halt is kept for Reconcile.
func (e *Engine) pruneLocked() {
	dayStart := e.ledger.DayStart()
	for id, t := range e.trades {
		if e.halt != nil && e.halt.TradeID == id {
			continue
		}
		if t.Status.Terminal() && t.ClosedAt.Before(dayStart) {
			delete(e.trades, id)
		}
	}
}

func (e *Engine) summaryLocked(now time.Time) DailySummary {
	snap := e.ledger.Snapshot(e.version, e.unrealizedLocked(), now)
	target := e.params.DailyTarget()
	progress := 0.0
	if target.IsPositive() {
		progress = snap.DailyPnL.Div(target).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return DailySummary{
		Day:            snap.DayStart,
		Trades:         snap.TradesToday,
		Wins:           snap.WinsToday,
		Losses:         snap.LossesToday,
		DailyPnL:       snap.DailyPnL,
		DailyTarget:    target,
		TargetProgress: progress,
		Equity:         snap.Equity,
		OpenTrades:     e.activeCountLocked(),
	}
}

// commitLocked bumps the version and captures the checkpoint of a mutation.
func (e *Engine) commitLocked(cooldowns []CooldownEntry, touched ...*Trade) Checkpoint {
	e.version++
	now := e.now()
	cp := Checkpoint{
		Version:   e.version,
		Snapshot:  e.ledger.Snapshot(e.version, e.unrealizedLocked(), now),
		Cooldowns: cooldowns,
	}
	for _, t := range touched {
		cp.Trades = append(cp.Trades, *t)
	}

	metrics.Available.Set(cp.Snapshot.Available.InexactFloat64())
	metrics.Reserved.Set(cp.Snapshot.Reserved.InexactFloat64())
	metrics.Equity.Set(cp.Snapshot.Equity.InexactFloat64())
	metrics.DailyPnL.Set(cp.Snapshot.DailyPnL.InexactFloat64())
	metrics.OpenTrades.Set(float64(e.activeCountLocked()))
	metrics.SetBreaker(e.breakerActiveLocked(now))
	return cp
}

// persist writes cp after any backlog, preserving order. A failed write is
// queued for Flush.
func (e *Engine) persist(ctx context.Context, cp Checkpoint) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.unsynced = append(e.unsynced, cp)
	return e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) error {
	for len(e.unsynced) > 0 {
		if err := e.store.SaveCheckpoint(ctx, e.unsynced[0]); err != nil {
			metrics.PersistFailures.Inc()
			return fmt.Errorf("save checkpoint v%d: %w", e.unsynced[0].Version, err)
		}
		e.unsynced = e.unsynced[1:]
	}
	return nil
}

func (e *Engine) persistBestEffort(ctx context.Context, cp Checkpoint) {
	if err := e.persist(ctx, cp); err != nil {
		e.logger.Error("failed to persist checkpoint, will retry", "version", cp.Version, "error", err)
	}
}
