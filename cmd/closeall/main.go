package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/exchange"
	"github.com/camuig/cryptopump/internal/executor"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/storage"
	"github.com/camuig/cryptopump/internal/trading"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "show open trades without closing")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)

	db, err := storage.NewDatabase(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database error: %v\n", err)
		os.Exit(1)
	}
	defer storage.CloseDatabase(db)
	repo := storage.NewRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	market := exchange.NewClient(cfg, log)
	var venue trading.Exchange = market
	if cfg.IsPaper() {
		venue = exchange.NewPaper(market, nil, log)
	}

	engine := trading.NewEngine(trading.ParamsFromConfig(cfg), trading.DayBoundaryFromConfig(cfg), venue, repo, log)
	if err := engine.Restore(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "restore error: %v\n", err)
		os.Exit(1)
	}

	trades := append(engine.PendingTrades(), engine.OpenTrades()...)
	if len(trades) == 0 {
		fmt.Println("No active trades.")
		return
	}

	fmt.Printf("Found %d active trade(s):\n\n", len(trades))
	for _, t := range trades {
		fmt.Printf("  %-12s %-5s %-7s qty %.8f, entry %.8f, notional %s\n",
			t.Symbol, t.Side, t.Status, t.Quantity, t.EntryPrice, t.Notional.StringFixed(2))
	}
	fmt.Println()

	if *dryRun {
		fmt.Println("Dry run, no orders placed.")
		return
	}

	if err := engine.Reconcile(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile error: %v\n", err)
		os.Exit(1)
	}

	exec := executor.NewExecutor(engine, venue, nil, cfg, log)
	closeErr := exec.CloseAll(ctx, trading.ExitManual)

	var closed, failed int
	for _, t := range trades {
		cur, ok := engine.Trade(t.ID)
		switch {
		case !ok:
			failed++
		case cur.Status == trading.StatusClosed:
			fmt.Printf("  [OK]   %s: closed @ %.8f, P&L %s\n", cur.Symbol, cur.ExitPrice, cur.RealizedPnL.StringFixed(2))
			closed++
		case cur.Status == trading.StatusCancelled:
			fmt.Printf("  [OK]   %s: entry cancelled\n", cur.Symbol)
		default:
			fmt.Fprintf(os.Stderr, "  [FAIL] %s: still %s\n", cur.Symbol, cur.Status)
			failed++
		}
	}
	if err := engine.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "persist error: %v\n", err)
		failed++
	}

	fmt.Printf("\nDone: %d closed, %d failed.\n", closed, failed)
	if closeErr != nil {
		fmt.Fprintf(os.Stderr, "close error: %v\n", closeErr)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
