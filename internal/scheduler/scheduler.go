package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/metrics"
	"github.com/camuig/cryptopump/internal/trading"
)

// Task is one kind of periodic work.
type Task struct {
	Name    string
	Timeout time.Duration
	// RunOnStart fires the first invocation immediately instead of after
	// the first interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type schedule interface {
	next(now time.Time) time.Duration
}

type every time.Duration

func (e every) next(time.Time) time.Duration { return time.Duration(e) }

// dailyAt fires at each day boundary. It remembers the boundary it last
// armed for, so a timer that fires slightly before the wall clock reaches
// the boundary is not re-armed for that same boundary.
type dailyAt struct {
	day  trading.DayBoundary
	last time.Time
}

func (d *dailyAt) next(now time.Time) time.Duration {
	b := d.day.Next(now)
	if !d.last.IsZero() && !b.After(d.last) {
		b = d.day.Next(d.last)
	}
	d.last = b
	return b.Sub(now)
}

type runner struct {
	Task
	schedule schedule
	running  atomic.Bool

	// owned by the single in-flight invocation
	failures  int
	escalated bool
}

// Scheduler runs each task kind on its own timer. A tick that arrives while
// the previous invocation of the same kind is still running is skipped.
type Scheduler struct {
	runners     []*runner
	notifier    trading.Notifier
	maxFailures int
	logger      *logger.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

func New(notifier trading.Notifier, maxFailures int, log *logger.Logger) *Scheduler {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Scheduler{
		notifier:    notifier,
		maxFailures: maxFailures,
		logger:      log,
		now:         time.Now,
	}
}

// Every registers t to run once per interval.
func (s *Scheduler) Every(interval time.Duration, t Task) {
	s.runners = append(s.runners, &runner{Task: t, schedule: every(interval)})
}

// Daily registers t to run at every day boundary.
func (s *Scheduler) Daily(day trading.DayBoundary, t Task) {
	s.runners = append(s.runners, &runner{Task: t, schedule: &dailyAt{day: day}})
}

// Run starts every task and blocks until ctx is done and every in-flight
// invocation has returned.
func (s *Scheduler) Run(ctx context.Context) {
	names := make([]string, 0, len(s.runners))
	for _, r := range s.runners {
		names = append(names, r.Name)
	}
	s.logger.Info("scheduler started", "tasks", names)

	var loops sync.WaitGroup
	for _, r := range s.runners {
		loops.Add(1)
		go func(r *runner) {
			defer loops.Done()
			s.loop(ctx, r)
		}(r)
	}
	loops.Wait()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, r *runner) {
	if r.RunOnStart {
		s.tick(ctx, r)
	}

	timer := time.NewTimer(r.schedule.next(s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, r)
			timer.Reset(r.schedule.next(s.now()))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, r *runner) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.TaskSkipped.WithLabelValues(r.Name).Inc()
		s.logger.Warn("previous run still in flight, skipping tick", "task", r.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer r.running.Store(false)
		s.invoke(ctx, r)
	}()
}

func (s *Scheduler) invoke(ctx context.Context, r *runner) {
	start := time.Now()
	err := s.call(ctx, r)
	metrics.TaskDuration.WithLabelValues(r.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.TaskRuns.WithLabelValues(r.Name, "ok").Inc()
		if r.failures > 0 {
			s.logger.Info("task recovered", "task", r.Name, "after_failures", r.failures)
		}
		r.failures = 0
		r.escalated = false
		return
	}

	if ctx.Err() != nil {
		// shutdown, not a failure of the task
		s.logger.Info("task interrupted by shutdown", "task", r.Name, "error", err)
		return
	}

	metrics.TaskRuns.WithLabelValues(r.Name, "error").Inc()
	r.failures++
	s.logger.Error("task failed", "task", r.Name, "consecutive", r.failures, "transient", trading.IsTransient(err), "error", err)

	if r.failures >= s.maxFailures && !r.escalated {
		r.escalated = true
		metrics.Escalations.WithLabelValues(r.Name).Inc()
		s.notifier.NotifyError("task "+r.Name, fmt.Errorf("%d consecutive failures: %w", r.failures, err))
	}
}

// call runs one invocation under its timeout and converts panics and
// deadline overruns into errors.
func (s *Scheduler) call(parent context.Context, r *runner) (err error) {
	ctx := parent
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.Timeout)
		defer cancel()
	}

	ctx, span := logger.Tracer("scheduler").Start(ctx, r.Name)
	span.SetAttributes(attribute.String("task", r.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("panic in task", "task", r.Name, "panic", fmt.Sprint(rec))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	err = r.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		if err == nil {
			err = ctx.Err()
		}
		err = trading.Transient(r.Name, fmt.Errorf("timed out after %s: %w", r.Timeout, err))
	}
	return err
}
