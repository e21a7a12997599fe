package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/trading"
)

// Executor drives trades through the exchange: it submits entries for
// approved signals, monitors open trades and submits their exits. All state
// changes go through the engine.
type Executor struct {
	engine   *trading.Engine
	exchange trading.Exchange
	prices   trading.PriceSource
	retry    RetryPolicy
	config   *config.Config
	logger   *logger.Logger
}

func NewExecutor(
	engine *trading.Engine,
	exchange trading.Exchange,
	prices trading.PriceSource,
	cfg *config.Config,
	log *logger.Logger,
) *Executor {
	return &Executor{
		engine:   engine,
		exchange: exchange,
		prices:   prices,
		retry:    DefaultRetryPolicy(),
		config:   cfg,
		logger:   log,
	}
}

// Execute opens trades for signals in order and returns how many entries
// filled. A failure on one signal never stops the rest.
func (e *Executor) Execute(ctx context.Context, signals []trading.Signal) (int, error) {
	var (
		opened int
		errs   []error
	)
	for _, sig := range signals {
		if ctx.Err() != nil {
			break
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic in executor", "symbol", sig.Symbol, "panic", fmt.Sprint(r))
					errs = append(errs, fmt.Errorf("panic on %s: %v", sig.Symbol, r))
				}
			}()
			ok, err := e.OpenFromSignal(ctx, sig)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				opened++
			}
		}()
	}
	return opened, errors.Join(errs...)
}

// OpenFromSignal asks the engine for approval and submits the entry order.
// It reports whether the entry filled; rejected signals are not errors. When
// the order fails, its fate is resolved against the exchange with a context
// that survives cancellation.
func (e *Executor) OpenFromSignal(ctx context.Context, sig trading.Signal) (bool, error) {
	trade, err := e.engine.Approve(ctx, sig)
	if err != nil {
		if reason := trading.RejectionReason(err); reason != "" {
			e.logger.Info("signal rejected", "symbol", sig.Symbol, "kind", sig.Kind, "reason", reason, "detail", err)
			return false, nil
		}
		return false, fmt.Errorf("approve %s: %w", sig.Symbol, err)
	}
	defer e.engine.EndEntrySubmission(trade.ID)

	req := trading.OrderRequest{
		Symbol:        trade.Symbol,
		Side:          trade.Side.EntryOrderSide(),
		Quantity:      trade.Quantity,
		Type:          trading.OrderMarket,
		ClientOrderID: trade.EntryOrderID,
	}

	var fill trading.Fill
	err = e.withRetry(ctx, "entry "+trade.Symbol, func() error {
		f, err := e.exchange.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err == nil {
		if err := e.engine.ConfirmEntry(ctx, trade.ID, fill); err != nil {
			return false, err
		}
		return true, nil
	}

	e.logger.Error("entry order failed", "symbol", trade.Symbol, "trade", trade.ID, "error", err)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.RequestTimeout())
	defer cancel()
	if rerr := e.engine.ResolveEntry(rctx, trade); rerr != nil {
		e.logger.Error("resolve entry, left pending", "trade", trade.ID, "error", rerr)
	}
	if trading.IsRejected(err) {
		return false, nil
	}
	return false, fmt.Errorf("entry %s: %w", trade.Symbol, err)
}

// MonitorOpen evaluates every open trade against its current price and
// submits the exits that trigger. Pending entries older than the entry
// timeout whose order is no longer being placed are resolved against the
// exchange.
func (e *Executor) MonitorOpen(ctx context.Context) error {
	if err := e.engine.Flush(ctx); err != nil {
		e.logger.Warn("checkpoint backlog not flushed", "error", err)
	}
	if halt := e.engine.Halted(); halt != nil {
		if err := e.engine.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
	}

	var errs []error
	for _, p := range e.engine.StalePending(e.entryTimeout()) {
		if err := e.engine.ResolveEntry(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	trades := e.engine.OpenTrades()
	if len(trades) == 0 {
		return errors.Join(errs...)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.concurrency())
	)
	for _, t := range trades {
		wg.Add(1)
		sem <- struct{}{}

		go func(t trading.Trade) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("panic monitoring trade", "trade", t.ID, "panic", fmt.Sprint(r))
				}
			}()

			if err := e.monitorOne(ctx, t); err != nil {
				e.logger.Error("monitor trade", "trade", t.ID, "symbol", t.Symbol, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if len(errs) > 0 && len(errs) >= len(trades) {
		return errors.Join(errs...)
	}
	return nil
}

func (e *Executor) monitorOne(ctx context.Context, t trading.Trade) error {
	price, err := e.currentPrice(ctx, t.Symbol)
	if err != nil {
		if !t.ExitPending {
			return fmt.Errorf("price %s: %w", t.Symbol, err)
		}
		price = t.LastPrice
	}

	order, err := e.engine.Evaluate(ctx, t.ID, price)
	if err != nil || order == nil {
		return err
	}
	return e.submitExit(ctx, *order)
}

// CloseAll force-closes every open trade with reason and waits for the exit
// orders. Used by the circuit breaker path and the closeall tool.
func (e *Executor) CloseAll(ctx context.Context, reason trading.ExitReason) error {
	var errs []error
	for _, order := range e.engine.ForceCloseAll(ctx, reason) {
		if err := e.submitExit(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", order.Request.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

// submitExit sends the exit order. A previously sent order is looked up
// first so a retry never doubles the close.
func (e *Executor) submitExit(ctx context.Context, order trading.ExitOrder) error {
	if order.Attempts > 0 {
		st, err := e.exchange.OrderStatus(ctx, order.Request.Symbol, order.Request.ClientOrderID)
		if err != nil {
			return fmt.Errorf("exit status: %w", err)
		}
		switch st.State {
		case trading.OrderFilled:
			if st.Fill == nil {
				return fmt.Errorf("exit %s filled without fill details", order.TradeID)
			}
			return e.engine.ConfirmExit(ctx, order.TradeID, *st.Fill)
		case trading.OrderNew:
			return nil
		default:
			e.logger.Warn("exit order not live, renewing", "trade", order.TradeID, "state", st.State)
			return e.engine.RenewExitOrder(ctx, order.TradeID)
		}
	}

	if err := e.engine.MarkExitSubmitted(ctx, order.TradeID); err != nil {
		return err
	}

	var fill trading.Fill
	err := e.withRetry(ctx, "exit "+order.Request.Symbol, func() error {
		f, err := e.exchange.PlaceOrder(ctx, order.Request)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		return fmt.Errorf("exit order %s: %w", order.Request.Symbol, err)
	}
	return e.engine.ConfirmExit(ctx, order.TradeID, fill)
}

func (e *Executor) currentPrice(ctx context.Context, symbol string) (float64, error) {
	if e.prices != nil {
		if p, ok := e.prices.LastPrice(symbol); ok && p > 0 {
			return p, nil
		}
	}

	var price float64
	err := e.withRetry(ctx, "price "+symbol, func() error {
		candles, err := e.exchange.RecentCandles(ctx, symbol, 1)
		if err != nil {
			return err
		}
		if len(candles) == 0 {
			return trading.Rejected("candles", "no data for "+symbol)
		}
		price = candles[len(candles)-1].Close
		return nil
	})
	return price, err
}

func (e *Executor) entryTimeout() time.Duration {
	return 2 * e.config.MonitorInterval()
}

func (e *Executor) concurrency() int {
	if n := e.config.Scheduler.MonitorConcurrency; n > 0 {
		return n
	}
	return 8
}
