package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TradesOpened    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_trades_opened_total", Help: "Entries filled, by strategy"}, []string{"strategy"})
	TradesClosed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_trades_closed_total", Help: "Trades closed, by exit reason"}, []string{"reason"})
	TradesCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "cryptopump_trades_cancelled_total", Help: "Pending entries cancelled"})
	RiskRejections  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_risk_rejections_total", Help: "Signals rejected by the risk manager, by reason"}, []string{"reason"})
	Signals         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_signals_total", Help: "Signals emitted by the scanner, by kind"}, []string{"kind"})

	Available  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_balance_available", Help: "Capital free for new entries"})
	Reserved   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_balance_reserved", Help: "Capital committed to pending and open trades"})
	Equity     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_equity", Help: "Available plus reserved plus unrealized P&L"})
	DailyPnL   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_daily_pnl", Help: "Realized P&L since the last daily reset"})
	OpenTrades = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_open_trades", Help: "Pending and open trades"})
	Halted     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_halted", Help: "1 while approvals are halted on inconsistent state"})
	Breaker    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "cryptopump_breaker_tripped", Help: "1 while the daily loss circuit breaker is active"})

	PersistFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "cryptopump_persist_failures_total", Help: "Checkpoint writes that failed"})

	TaskRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_task_runs_total", Help: "Scheduled task invocations, by task and result"}, []string{"task", "result"})
	TaskSkipped  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_task_skipped_total", Help: "Ticks skipped because the previous run was still in flight"}, []string{"task"})
	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "cryptopump_task_duration_seconds", Help: "Task invocation latency", Buckets: prometheus.DefBuckets}, []string{"task"})
	Escalations  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_task_escalations_total", Help: "Consecutive failure escalations, by task"}, []string{"task"})

	ExchangeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_exchange_requests_total", Help: "Exchange calls, by operation and result"}, []string{"op", "result"})
	Notifications    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cryptopump_notifications_total", Help: "Outbound notifications, by result"}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		TradesOpened, TradesClosed, TradesCancelled, RiskRejections, Signals,
		Available, Reserved, Equity, DailyPnL, OpenTrades, Halted, Breaker,
		PersistFailures,
		TaskRuns, TaskSkipped, TaskDuration, Escalations,
		ExchangeRequests, Notifications,
	)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetHalted records the approval halt flag.
func SetHalted(halted bool) { Halted.Set(boolGauge(halted)) }

func SetBreaker(tripped bool) { Breaker.Set(boolGauge(tripped)) }
