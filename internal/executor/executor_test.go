package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/trading"
)

type nopStore struct{}

func (nopStore) SaveCheckpoint(context.Context, trading.Checkpoint) error { return nil }
func (nopStore) LatestSnapshot(context.Context) (*trading.BalanceSnapshot, error) {
	return nil, nil
}
func (nopStore) LoadActiveTrades(context.Context) ([]trading.Trade, error) { return nil, nil }
func (nopStore) ActiveCooldowns(context.Context, time.Time) ([]trading.CooldownEntry, error) {
	return nil, nil
}

// scriptedExchange fills every order at price unless a scripted failure is
// queued for the next PlaceOrder call.
type scriptedExchange struct {
	mu       sync.Mutex
	price    float64
	failures []error
	placed   []trading.OrderRequest
	statuses map[string]trading.OrderStatus

	// when set, PlaceOrder signals entered and blocks until hold is closed
	hold    chan struct{}
	entered chan struct{}
}

func newScriptedExchange(price float64) *scriptedExchange {
	return &scriptedExchange{price: price, statuses: map[string]trading.OrderStatus{}}
}

func (x *scriptedExchange) RecentCandles(context.Context, string, int) ([]trading.Candle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return []trading.Candle{{Close: x.price}}, nil
}

func (x *scriptedExchange) PlaceOrder(_ context.Context, req trading.OrderRequest) (trading.Fill, error) {
	if x.hold != nil {
		select {
		case x.entered <- struct{}{}:
		default:
		}
		<-x.hold
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.placed = append(x.placed, req)
	if len(x.failures) > 0 {
		err := x.failures[0]
		x.failures = x.failures[1:]
		return trading.Fill{}, err
	}
	fill := trading.Fill{ClientOrderID: req.ClientOrderID, Price: x.price, Quantity: req.Quantity, Time: time.Now()}
	x.statuses[req.ClientOrderID] = trading.OrderStatus{ClientOrderID: req.ClientOrderID, State: trading.OrderFilled, Fill: &fill}
	return fill, nil
}

func (x *scriptedExchange) CancelOrder(context.Context, string, string) error { return nil }

func (x *scriptedExchange) OrderStatus(_ context.Context, _, clientOrderID string) (trading.OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if st, ok := x.statuses[clientOrderID]; ok {
		return st, nil
	}
	return trading.OrderStatus{ClientOrderID: clientOrderID, State: trading.OrderNotFound}, nil
}

func (x *scriptedExchange) MinNotional(string) float64 { return 10 }

func (x *scriptedExchange) setPrice(p float64) {
	x.mu.Lock()
	x.price = p
	x.mu.Unlock()
}

func (x *scriptedExchange) fail(errs ...error) {
	x.mu.Lock()
	x.failures = append(x.failures, errs...)
	x.mu.Unlock()
}

func (x *scriptedExchange) placedCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.placed)
}

func newTestExecutor(t *testing.T, ex *scriptedExchange, opts ...trading.EngineOption) (*Executor, *trading.Engine) {
	t.Helper()
	cfg := config.Default()
	engine := trading.NewEngine(trading.ParamsFromConfig(cfg), trading.DayBoundaryFromConfig(cfg), ex, nopStore{}, logger.Nop(), opts...)
	e := NewExecutor(engine, ex, nil, cfg, logger.Nop())
	e.retry = RetryPolicy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	return e, engine
}

func longSignal(symbol string, price float64) trading.Signal {
	return trading.Signal{Symbol: symbol, Kind: trading.StrategyPump, Side: trading.SideLong, Score: 0.8, Price: price, DetectedAt: time.Now()}
}

func TestOpenFromSignalFillsEntry(t *testing.T) {
	ex := newScriptedExchange(100)
	e, engine := newTestExecutor(t, ex)

	ok, err := e.OpenFromSignal(context.Background(), longSignal("SOLUSDT", 100))
	require.NoError(t, err)
	assert.True(t, ok)

	open := engine.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, 100.0, open[0].EntryPrice)
	assert.InDelta(t, 98.0, open[0].StopLoss, 1e-9)
	assert.InDelta(t, 104.0, open[0].TakeProfit, 1e-9)
	assert.Equal(t, trading.OrderBuy, ex.placed[0].Side)
}

func TestOpenFromSignalRetriesTransientFailures(t *testing.T) {
	ex := newScriptedExchange(100)
	ex.fail(trading.Transient("place_order", errors.New("connection reset")))
	e, engine := newTestExecutor(t, ex)

	ok, err := e.OpenFromSignal(context.Background(), longSignal("SOLUSDT", 100))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, ex.placed, 2)
	assert.Equal(t, ex.placed[0].ClientOrderID, ex.placed[1].ClientOrderID, "retries reuse the client order id")
	assert.Len(t, engine.OpenTrades(), 1)
}

func TestOpenFromSignalReleasesRejectedEntry(t *testing.T) {
	ex := newScriptedExchange(100)
	ex.fail(trading.Rejected("place_order", "insufficient balance"))
	e, engine := newTestExecutor(t, ex)

	ok, err := e.OpenFromSignal(context.Background(), longSignal("SOLUSDT", 100))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ex.placed, 1, "rejections are not retried")
	assert.Empty(t, engine.OpenTrades())
	assert.Empty(t, engine.PendingTrades())
	assert.True(t, engine.Status().Snapshot.Reserved.IsZero())
}

func TestExecuteStopsAtConcurrencyLimit(t *testing.T) {
	ex := newScriptedExchange(100)
	e, engine := newTestExecutor(t, ex)

	opened, err := e.Execute(context.Background(), []trading.Signal{
		longSignal("SOLUSDT", 100),
		longSignal("ETHUSDT", 100),
		longSignal("BNBUSDT", 100),
		longSignal("XRPUSDT", 100),
	})
	require.NoError(t, err, "risk rejections are not errors")
	assert.Equal(t, 3, opened)
	assert.Len(t, engine.OpenTrades(), 3)
	assert.Len(t, ex.placed, 3)
}

func TestMonitorOpenExitsAtStopLoss(t *testing.T) {
	ex := newScriptedExchange(100)
	e, engine := newTestExecutor(t, ex)
	ctx := context.Background()

	_, err := e.OpenFromSignal(ctx, longSignal("SOLUSDT", 100))
	require.NoError(t, err)
	id := engine.OpenTrades()[0].ID

	ex.setPrice(97)
	require.NoError(t, e.MonitorOpen(ctx))

	tr, ok := engine.Trade(id)
	require.True(t, ok)
	assert.Equal(t, trading.StatusClosed, tr.Status)
	assert.Equal(t, trading.ExitStopLoss, tr.ExitReason)
	assert.True(t, tr.RealizedPnL.IsNegative())
	assert.True(t, engine.CoolingDown("SOLUSDT"))
	assert.Equal(t, trading.OrderSell, ex.placed[1].Side)
}

func TestMonitorOpenChecksStatusBeforeResubmitting(t *testing.T) {
	ex := newScriptedExchange(100)
	e, engine := newTestExecutor(t, ex)
	ctx := context.Background()

	_, err := e.OpenFromSignal(ctx, longSignal("SOLUSDT", 100))
	require.NoError(t, err)
	id := engine.OpenTrades()[0].ID

	ex.setPrice(110)
	timeout := trading.Transient("place_order", errors.New("timeout"))
	ex.fail(timeout, timeout, timeout)
	require.Error(t, e.MonitorOpen(ctx))

	tr, _ := engine.Trade(id)
	require.Equal(t, trading.StatusOpen, tr.Status)
	require.True(t, tr.ExitPending)
	assert.Equal(t, 1, tr.ExitAttempts)
	placed := ex.placedCount()

	// the exchange did fill the last attempt
	fill := trading.Fill{ClientOrderID: tr.ExitOrderID, Price: 110, Quantity: tr.Quantity}
	ex.mu.Lock()
	ex.statuses[tr.ExitOrderID] = trading.OrderStatus{ClientOrderID: tr.ExitOrderID, State: trading.OrderFilled, Fill: &fill}
	ex.mu.Unlock()

	require.NoError(t, e.MonitorOpen(ctx))
	tr, _ = engine.Trade(id)
	assert.Equal(t, trading.StatusClosed, tr.Status)
	assert.Equal(t, trading.ExitTakeProfit, tr.ExitReason)
	assert.Equal(t, placed, ex.placedCount(), "no second exit order")
}

func TestCloseAllFlattensOpenTrades(t *testing.T) {
	ex := newScriptedExchange(100)
	e, engine := newTestExecutor(t, ex)
	ctx := context.Background()

	_, err := e.Execute(ctx, []trading.Signal{longSignal("SOLUSDT", 100), longSignal("ETHUSDT", 100)})
	require.NoError(t, err)
	open := engine.OpenTrades()
	require.Len(t, open, 2)

	require.NoError(t, e.CloseAll(ctx, trading.ExitManual))
	assert.Empty(t, engine.OpenTrades())
	for _, o := range open {
		tr, ok := engine.Trade(o.ID)
		require.True(t, ok)
		assert.Equal(t, trading.StatusClosed, tr.Status)
		assert.Equal(t, trading.ExitManual, tr.ExitReason)
	}
}

func TestMonitorOpenLeavesInFlightEntryAlone(t *testing.T) {
	ex := newScriptedExchange(100)
	ex.hold = make(chan struct{})
	ex.entered = make(chan struct{}, 1)

	var clockMu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	e, engine := newTestExecutor(t, ex, trading.WithClock(clock))
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		ok, err := e.OpenFromSignal(ctx, longSignal("SOLUSDT", 100))
		assert.NoError(t, err)
		done <- ok
	}()
	<-ex.entered

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	require.NoError(t, e.MonitorOpen(ctx))
	pending := engine.PendingTrades()
	require.Len(t, pending, 1, "a slow entry must not be resolved as stale")
	assert.True(t, engine.Status().Snapshot.Reserved.Equal(decimal.NewFromInt(30)))

	close(ex.hold)
	assert.True(t, <-done)
	assert.Nil(t, engine.Halted())

	require.NoError(t, e.MonitorOpen(ctx))
	open := engine.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, pending[0].ID, open[0].ID)
	assert.True(t, engine.Status().Snapshot.Reserved.Equal(decimal.NewFromInt(30)))
	assert.Equal(t, 1, ex.placedCount())
}
