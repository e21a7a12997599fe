package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/camuig/cryptopump/internal/logger"
)

var testStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu        sync.Mutex
	snapshot  *BalanceSnapshot
	trades    map[string]Trade
	cooldowns map[string]CooldownEntry
	saves     int
	failNext  int
}

func newMemStore() *memStore {
	return &memStore{trades: map[string]Trade{}, cooldowns: map[string]CooldownEntry{}}
}

func (s *memStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("disk full")
	}
	s.saves++
	if s.snapshot == nil || cp.Snapshot.Version > s.snapshot.Version {
		snap := cp.Snapshot
		s.snapshot = &snap
	}
	for _, t := range cp.Trades {
		if cur, ok := s.trades[t.ID]; ok && cur.Revision > t.Revision {
			continue
		}
		s.trades[t.ID] = t
	}
	for _, cd := range cp.Cooldowns {
		if cd.Expiry.IsZero() {
			delete(s.cooldowns, cd.Scope)
			continue
		}
		s.cooldowns[cd.Scope] = cd
	}
	return nil
}

func (s *memStore) LatestSnapshot(context.Context) (*BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	snap := *s.snapshot
	return &snap, nil
}

func (s *memStore) LoadActiveTrades(context.Context) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Trade
	for _, t := range s.trades {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) ActiveCooldowns(_ context.Context, now time.Time) ([]CooldownEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CooldownEntry
	for _, cd := range s.cooldowns {
		if now.Before(cd.Expiry) {
			out = append(out, cd)
		}
	}
	return out, nil
}

func (s *memStore) trade(id string) Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id]
}

type fakeExchange struct {
	mu       sync.Mutex
	statuses map[string]OrderStatus
	placed   []OrderRequest
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{statuses: map[string]OrderStatus{}}
}

func (f *fakeExchange) RecentCandles(context.Context, string, int) ([]Candle, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req OrderRequest) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return Fill{ClientOrderID: req.ClientOrderID, Price: 100, Quantity: req.Quantity}, nil
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) OrderStatus(_ context.Context, _ string, clientOrderID string) (OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[clientOrderID]
	if !ok {
		return OrderStatus{ClientOrderID: clientOrderID, State: OrderNotFound}, nil
	}
	return st, nil
}

func (f *fakeExchange) MinNotional(string) float64 { return 10 }

func (f *fakeExchange) setFilled(clientOrderID string, price, qty float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[clientOrderID] = OrderStatus{
		ClientOrderID: clientOrderID,
		State:         OrderFilled,
		Fill:          &Fill{ClientOrderID: clientOrderID, Price: price, Quantity: qty},
	}
}

type recordingNotifier struct {
	nopNotifier
	mu       sync.Mutex
	breaches int
	closed   int
}

func (n *recordingNotifier) NotifyTradeClosed(Trade) {
	n.mu.Lock()
	n.closed++
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyRiskBreach(BalanceSnapshot, string) {
	n.mu.Lock()
	n.breaches++
	n.mu.Unlock()
}

func testParams() Params {
	return Params{
		InitialBalance:        decimal.NewFromInt(200),
		CapitalPercentage:     decimal.RequireFromString("0.15"),
		MaxConcurrentTrades:   3,
		DailyLossLimit:        decimal.RequireFromString("0.10"),
		DailyTargetPercentage: decimal.NewFromInt(75),
		StopLossPercent:       2,
		TakeProfitPercent:     4,
		TrailingStopPercent:   1.5,
		CooldownAfterLoss:     30 * time.Minute,
	}
}

type harness struct {
	engine   *Engine
	store    *memStore
	exchange *fakeExchange
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		exchange: newFakeExchange(),
		clock:    &testClock{now: testStart},
		notifier: &recordingNotifier{},
	}
	h.engine = h.newEngine()
	return h
}

func (h *harness) newEngine() *Engine {
	return NewEngine(testParams(), DayBoundary{Location: time.UTC}, h.exchange, h.store, logger.Nop(),
		WithClock(h.clock.Now), WithNotifier(h.notifier))
}

func signal(symbol string, price float64) Signal {
	return Signal{Symbol: symbol, Kind: StrategyPump, Side: SideLong, Score: 0.8, Price: price, DetectedAt: testStart}
}

// open approves a long signal and fills it at price with quantity 1.
func (h *harness) open(t *testing.T, symbol string, price float64) Trade {
	t.Helper()
	ctx := context.Background()
	tr, err := h.engine.Approve(ctx, signal(symbol, price))
	require.NoError(t, err)
	require.NoError(t, h.engine.ConfirmEntry(ctx, tr.ID, Fill{ClientOrderID: tr.EntryOrderID, Price: price, Quantity: 1}))
	got, ok := h.engine.Trade(tr.ID)
	require.True(t, ok)
	return got
}

// closeAt drives an open trade to Closed at price through Evaluate.
func (h *harness) closeAt(t *testing.T, id string, price float64) Trade {
	t.Helper()
	ctx := context.Background()
	order, err := h.engine.Evaluate(ctx, id, price)
	require.NoError(t, err)
	require.NotNil(t, order, "no exit triggered at %v", price)
	require.NoError(t, h.engine.ConfirmExit(ctx, id, Fill{ClientOrderID: order.Request.ClientOrderID, Price: price, Quantity: order.Request.Quantity}))
	got, _ := h.engine.Trade(id)
	return got
}
