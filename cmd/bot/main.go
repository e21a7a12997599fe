package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/camuig/cryptopump/internal/ai"
	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/exchange"
	"github.com/camuig/cryptopump/internal/executor"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/scanner"
	"github.com/camuig/cryptopump/internal/scheduler"
	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/telegram"
	"github.com/camuig/cryptopump/internal/trading"
	"github.com/camuig/cryptopump/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides storage.path)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)
	if cfg.Logging.Tracing {
		if err := log.EnableTracing(context.Background(), os.Stderr); err != nil {
			log.Error("tracing init failed", "error", err)
		}
	}

	mode := "LIVE"
	if cfg.IsPaper() {
		mode = "PAPER"
	}
	log.Info("starting cryptopump", "mode", mode)

	// Init database
	db, err := storage.NewDatabase(cfg.Storage.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup

	// Market data and execution
	market := exchange.NewClient(cfg, log)
	var prices trading.PriceSource
	if cfg.Exchange.Stream {
		stream := exchange.NewStream(cfg, log)
		prices = stream
		background.Add(1)
		go func() {
			defer background.Done()
			stream.Run(ctx)
		}()
	}

	var venue interface {
		trading.Exchange
		scanner.Universe
	} = market
	if cfg.IsPaper() {
		venue = exchange.NewPaper(market, prices, log)
	}

	// Core
	notifier := telegram.NewNotifier(cfg, log)
	engine := trading.NewEngine(
		trading.ParamsFromConfig(cfg),
		trading.DayBoundaryFromConfig(cfg),
		venue,
		repo,
		log,
		trading.WithNotifier(notifier),
	)

	if err := engine.Restore(ctx); err != nil {
		log.Error("restore failed", "error", err)
		os.Exit(1)
	}
	if err := engine.Reconcile(ctx); err != nil {
		// approvals stay halted; the monitor retries reconciliation
		log.Error("reconcile failed", "error", err)
		notifier.NotifyError("reconcile", err)
	}

	var scorer scanner.Scorer
	if cfg.Scoring.Enabled {
		scorer = ai.NewScorer(cfg, log)
	}

	exec := executor.NewExecutor(engine, venue, prices, cfg, log)
	scan := scanner.NewScanner(venue, venue, scorer, engine, cfg, log)
	sched := scheduler.NewScheduler(scan, exec, engine, repo, notifier, cfg, log)
	webServer := web.NewServer(engine, repo, cfg, log)

	// Start scheduler in goroutine
	background.Add(1)
	go func() {
		defer background.Done()
		sched.Run(ctx)
	}()

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	st := engine.Status()
	notifier.NotifyStatus(fmt.Sprintf("cryptopump started (%s), equity %s USDT, %d active trade(s)",
		mode, st.Snapshot.Equity.StringFixed(2), len(st.Trades)))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown: the scheduler returns once in-flight orders are settled
	cancel()
	background.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}
	if err := engine.Flush(shutdownCtx); err != nil {
		log.Error("unsynced checkpoints at shutdown", "error", err)
	}

	st = engine.Status()
	notifier.NotifyStatus(fmt.Sprintf("cryptopump stopped, equity %s USDT, %d active trade(s)",
		st.Snapshot.Equity.StringFixed(2), len(st.Trades)))
	notifier.Close()

	if err := storage.CloseDatabase(db); err != nil {
		log.Error("database close error", "error", err)
	}

	if err := log.Shutdown(shutdownCtx); err != nil {
		log.Error("tracer shutdown error", "error", err)
	}
	log.Info("cryptopump stopped")
}
