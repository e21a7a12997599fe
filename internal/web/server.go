package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/trading"
)

// StatusSource is a consistent in-memory read of the engine.
type StatusSource interface {
	Status() trading.EngineStatus
}

// History serves persisted trades, balance snapshots and scan runs.
type History interface {
	RecentTrades(ctx context.Context, limit int) ([]trading.Trade, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	SnapshotHistory(ctx context.Context, limit int) ([]trading.BalanceSnapshot, error)
	RecentScanLogs(ctx context.Context, limit int) ([]storage.ScanLog, error)
}

type Server struct {
	httpServer *http.Server
	engine     StatusSource
	history    History
	config     *config.Config
	logger     *logger.Logger
	now        func() time.Time
}

func NewServer(engine StatusSource, history History, cfg *config.Config, log *logger.Logger) *Server {
	s := &Server{
		engine:  engine,
		history: history,
		config:  cfg,
		logger:  log,
		now:     time.Now,
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Web.Port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/balance", s.handleBalance)
	mux.HandleFunc("GET /api/scans", s.handleScans)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.config.Web.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
