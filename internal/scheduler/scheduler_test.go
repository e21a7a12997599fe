package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/trading"
)

type fakeNotifier struct {
	mu     sync.Mutex
	errors []string
}

func (n *fakeNotifier) NotifyTradeOpened(trading.Trade)                  {}
func (n *fakeNotifier) NotifyTradeClosed(trading.Trade)                  {}
func (n *fakeNotifier) NotifyRiskBreach(trading.BalanceSnapshot, string) {}
func (n *fakeNotifier) NotifyDailySummary(trading.DailySummary)          {}
func (n *fakeNotifier) NotifyStatus(string)                              {}

func (n *fakeNotifier) NotifyError(context string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, context+": "+err.Error())
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

func TestSkipsOverlappingTicks(t *testing.T) {
	s := New(&fakeNotifier{}, 3, logger.Nop())
	release := make(chan struct{})
	var calls atomic.Int32
	s.Every(5*time.Millisecond, Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			<-release
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "ticks during a run are skipped, not queued")

	close(release)
	require.Eventually(t, func() bool { return calls.Load() > 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunWaitsForInFlightInvocation(t *testing.T) {
	s := New(&fakeNotifier{}, 3, logger.Nop())
	started := make(chan struct{})
	var finished atomic.Bool
	s.Every(time.Hour, Task{
		Name:       "order",
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			// simulates an order confirmation that ignores cancellation
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	<-done
	assert.True(t, finished.Load())
}

func TestTimeoutIsTransientFailure(t *testing.T) {
	s := New(&fakeNotifier{}, 3, logger.Nop())
	r := &runner{Task: Task{
		Name:    "stuck",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	err := s.call(context.Background(), r)
	require.Error(t, err)
	assert.True(t, trading.IsTransient(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestPanicBecomesFailure(t *testing.T) {
	s := New(&fakeNotifier{}, 3, logger.Nop())
	r := &runner{Task: Task{
		Name: "broken",
		Run:  func(context.Context) error { panic("nil map") },
	}}

	err := s.call(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: nil map")
}

func TestEscalatesOncePerFailureStreak(t *testing.T) {
	notifier := &fakeNotifier{}
	s := New(notifier, 2, logger.Nop())
	fail := true
	r := &runner{Task: Task{
		Name: "scan",
		Run: func(context.Context) error {
			if fail {
				return errors.New("exchange down")
			}
			return nil
		},
	}}
	ctx := context.Background()

	s.invoke(ctx, r)
	assert.Equal(t, 0, notifier.count())
	s.invoke(ctx, r)
	assert.Equal(t, 1, notifier.count())
	s.invoke(ctx, r)
	s.invoke(ctx, r)
	assert.Equal(t, 1, notifier.count(), "one escalation per streak")

	fail = false
	s.invoke(ctx, r)
	assert.Zero(t, r.failures)

	fail = true
	s.invoke(ctx, r)
	s.invoke(ctx, r)
	assert.Equal(t, 2, notifier.count())
	assert.Contains(t, notifier.errors[1], "2 consecutive failures")
}

func TestShutdownIsNotAFailure(t *testing.T) {
	notifier := &fakeNotifier{}
	s := New(notifier, 1, logger.Nop())
	r := &runner{Task: Task{
		Name: "scan",
		Run:  func(ctx context.Context) error { return ctx.Err() },
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.invoke(ctx, r)
	assert.Zero(t, r.failures)
	assert.Zero(t, notifier.count())
}

func TestDailyScheduleWaitsForBoundary(t *testing.T) {
	d := &dailyAt{day: trading.DayBoundary{Hour: 3, Minute: 30, Location: time.UTC}}
	now := time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Hour+30*time.Minute, d.next(now))

	now = time.Date(2025, 3, 10, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, d.next(now))
}

func TestDailyScheduleFiringEarlySkipsToNextDay(t *testing.T) {
	d := &dailyAt{day: trading.DayBoundary{Hour: 0, Minute: 0, Location: time.UTC}}
	armed := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 12*time.Hour, d.next(armed))

	// wall clock still reads just before midnight when the timer fires
	fired := time.Date(2025, 3, 10, 23, 59, 59, 995_000_000, time.UTC)
	assert.Equal(t, 24*time.Hour+5*time.Millisecond, d.next(fired))
}

type fakeScanner struct {
	signals []trading.Signal
	err     error
}

func (f *fakeScanner) Scan(context.Context, trading.StrategyKind) ([]trading.Signal, error) {
	return f.signals, f.err
}

type fakeExecutor struct {
	opened  int
	err     error
	batches [][]trading.Signal
}

func (f *fakeExecutor) Execute(_ context.Context, signals []trading.Signal) (int, error) {
	f.batches = append(f.batches, signals)
	return f.opened, f.err
}

func (f *fakeExecutor) MonitorOpen(context.Context) error { return nil }

type memLogs struct {
	logs []storage.ScanLog
}

func (m *memLogs) SaveScanLog(_ context.Context, l *storage.ScanLog) error {
	m.logs = append(m.logs, *l)
	return nil
}

func TestScanJobRecordsRun(t *testing.T) {
	scan := &fakeScanner{signals: []trading.Signal{
		{Symbol: "SOLUSDT", Kind: trading.StrategyPump, Side: trading.SideLong, Score: 0.9, Price: 150},
		{Symbol: "ETHUSDT", Kind: trading.StrategyPump, Side: trading.SideLong, Score: 0.7, Price: 3000},
	}}
	exec := &fakeExecutor{opened: 1}
	logs := &memLogs{}

	job := scanJob(trading.StrategyPump, scan, exec, logs, logger.Nop())
	require.NoError(t, job(context.Background()))

	require.Len(t, exec.batches, 1)
	require.Len(t, logs.logs, 1)
	entry := logs.logs[0]
	assert.Equal(t, "pump", entry.Kind)
	assert.Equal(t, 2, entry.SignalsCount)
	assert.Equal(t, 1, entry.OpenedCount)
	assert.Contains(t, entry.SignalsJSON, `"symbol":"SOLUSDT"`)
	assert.Empty(t, entry.Error)
}

func TestScanJobRecordsFailure(t *testing.T) {
	scan := &fakeScanner{err: errors.New("all fetches failed")}
	exec := &fakeExecutor{}
	logs := &memLogs{}

	job := scanJob(trading.StrategyTopMover, scan, exec, logs, logger.Nop())
	err := job(context.Background())
	require.Error(t, err)
	assert.Empty(t, exec.batches)
	require.Len(t, logs.logs, 1)
	assert.Equal(t, "all fetches failed", logs.logs[0].Error)
}

func TestScanJobSkipsExecutorWithoutSignals(t *testing.T) {
	exec := &fakeExecutor{}
	logs := &memLogs{}
	job := scanJob(trading.StrategyPump, &fakeScanner{}, exec, logs, logger.Nop())
	require.NoError(t, job(context.Background()))
	assert.Empty(t, exec.batches)
	assert.Len(t, logs.logs, 1)
}
