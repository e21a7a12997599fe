package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/trading"
)

type SignalScanner interface {
	Scan(ctx context.Context, kind trading.StrategyKind) ([]trading.Signal, error)
}

type TradeExecutor interface {
	Execute(ctx context.Context, signals []trading.Signal) (int, error)
	MonitorOpen(ctx context.Context) error
}

type DayCloser interface {
	ResetDay(ctx context.Context) trading.DailySummary
}

type ScanLogStore interface {
	SaveScanLog(ctx context.Context, log *storage.ScanLog) error
}

// NewScheduler wires the bot's periodic work: the fast pump scan, the slow
// top-mover scan, position monitoring and the daily reset.
func NewScheduler(
	scan SignalScanner,
	exec TradeExecutor,
	day DayCloser,
	logs ScanLogStore,
	notifier trading.Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *Scheduler {
	s := New(notifier, cfg.Scheduler.MaxConsecutiveFailures, log)
	timeout := cfg.TaskTimeout()

	s.Every(cfg.FastScanInterval(), Task{
		Name:       "fast_scan",
		Timeout:    timeout,
		RunOnStart: true,
		Run:        scanJob(trading.StrategyPump, scan, exec, logs, log),
	})
	s.Every(cfg.SlowScanInterval(), Task{
		Name:       "slow_scan",
		Timeout:    timeout,
		RunOnStart: true,
		Run:        scanJob(trading.StrategyTopMover, scan, exec, logs, log),
	})
	s.Every(cfg.MonitorInterval(), Task{
		Name:       "monitor",
		Timeout:    timeout,
		RunOnStart: true,
		Run:        exec.MonitorOpen,
	})
	s.Daily(trading.DayBoundaryFromConfig(cfg), Task{
		Name:    "daily_reset",
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			day.ResetDay(ctx)
			return nil
		},
	})
	return s
}

type signalSummary struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Score  float64 `json:"score"`
	Price  float64 `json:"price"`
}

// scanJob scans for kind, opens what it finds and records the run.
func scanJob(kind trading.StrategyKind, scan SignalScanner, exec TradeExecutor, logs ScanLogStore, log *logger.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		entry := &storage.ScanLog{Kind: string(kind)}
		defer func() {
			if logs == nil {
				return
			}
			if err := logs.SaveScanLog(context.WithoutCancel(ctx), entry); err != nil {
				log.Error("save scan log", "kind", kind, "error", err)
			}
		}()

		signals, err := scan.Scan(ctx, kind)
		if err != nil {
			entry.Error = err.Error()
			return fmt.Errorf("scan %s: %w", kind, err)
		}
		entry.SignalsCount = len(signals)
		entry.SignalsJSON = signalsJSON(signals)
		if len(signals) == 0 {
			return nil
		}

		opened, err := exec.Execute(ctx, signals)
		entry.OpenedCount = opened
		if err != nil {
			entry.Error = err.Error()
			return fmt.Errorf("execute %s signals: %w", kind, err)
		}
		return nil
	}
}

func signalsJSON(signals []trading.Signal) string {
	if len(signals) == 0 {
		return ""
	}
	out := make([]signalSummary, len(signals))
	for i, sig := range signals {
		out[i] = signalSummary{Symbol: sig.Symbol, Side: string(sig.Side), Score: sig.Score, Price: sig.Price}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(data)
}
