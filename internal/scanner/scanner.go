package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/metrics"
	"github.com/camuig/cryptopump/internal/trading"
)

type MarketData interface {
	RecentCandles(ctx context.Context, symbol string, limit int) ([]trading.Candle, error)
}

// Universe lists the most traded symbols quoted in quote.
type Universe interface {
	TopSymbols(ctx context.Context, quote string, n int) ([]string, error)
}

// Scorer is the external predictive model. Score returns a value in [-1, 1].
type Scorer interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// Gate filters out symbols that cannot be traded right now.
type Gate interface {
	CoolingDown(symbol string) bool
}

// Features is what the scorer sees of a candidate.
type Features struct {
	Symbol     string
	Kind       trading.StrategyKind
	Price      float64
	Components trading.Components
	Closes     []float64
}

const pumpMemory = time.Hour

type Scanner struct {
	market   MarketData
	universe Universe
	scorer   Scorer
	gate     Gate
	scoring  Scoring
	config   *config.Config
	logger   *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	symbols   []string
	symbolsAt time.Time
	pumps     map[string]time.Time // symbol -> minute the pump was reported
}

// NewScanner builds a scanner. universe, scorer and gate may be nil.
func NewScanner(market MarketData, universe Universe, scorer Scorer, gate Gate, cfg *config.Config, log *logger.Logger) *Scanner {
	return &Scanner{
		market:   market,
		universe: universe,
		scorer:   scorer,
		gate:     gate,
		scoring:  ScoringFromConfig(cfg),
		config:   cfg,
		logger:   log,
		now:      time.Now,
		pumps:    make(map[string]time.Time),
	}
}

type scanResult struct {
	signal trading.Signal
	ok     bool
	err    error
}

// Scan evaluates every tracked symbol for kind and returns the signals found,
// best first. A failed fetch skips the symbol; Scan only fails when no symbol
// could be fetched at all.
func (s *Scanner) Scan(ctx context.Context, kind trading.StrategyKind) ([]trading.Signal, error) {
	symbols, err := s.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	if s.gate != nil {
		tradable := symbols[:0:0]
		for _, sym := range symbols {
			if !s.gate.CoolingDown(sym) {
				tradable = append(tradable, sym)
			}
		}
		symbols = tradable
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	window := s.windowCandles(kind)
	limit := s.config.Scanner.HistoryLength
	if floor := max(window+2, minHistory(kind)); limit < floor {
		limit = floor
	}

	concurrency := s.config.Scanner.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
		results = make([]scanResult, len(symbols))
	)

	for i, sym := range symbols {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, symbol string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic evaluating symbol", "symbol", symbol, "panic", fmt.Sprint(r))
				}
			}()

			candles, err := s.market.RecentCandles(ctx, symbol, limit)
			if err != nil {
				s.logger.Warn("fetch candles", "symbol", symbol, "error", err)
				results[i].err = err
				return
			}
			results[i].signal, results[i].ok = s.evaluate(ctx, kind, symbol, candles, window)
		}(i, sym)
	}
	wg.Wait()

	var (
		signals  []trading.Signal
		failures int
		firstErr error
	)
	for _, r := range results {
		if r.err != nil {
			failures++
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.ok {
			signals = append(signals, r.signal)
		}
	}
	if failures == len(symbols) {
		return nil, fmt.Errorf("fetch candles for %d symbols: %w", failures, firstErr)
	}

	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Score > signals[j].Score })
	if kind == trading.StrategyTopMover {
		if n := s.config.Scanner.TopMoversLimit; n > 0 && len(signals) > n {
			signals = signals[:n]
		}
	}

	metrics.Signals.WithLabelValues(string(kind)).Add(float64(len(signals)))
	s.logger.Info("scan completed", "kind", kind, "symbols", len(symbols), "failed", failures, "signals", len(signals))
	return signals, nil
}

func (s *Scanner) evaluate(ctx context.Context, kind trading.StrategyKind, symbol string, candles []trading.Candle, window int) (trading.Signal, bool) {
	if len(candles) < minHistory(kind) {
		s.logger.Debug("not enough history", "symbol", symbol, "candles", len(candles))
		return trading.Signal{}, false
	}
	m, ok := measure(candles, window)
	if !ok {
		return trading.Signal{}, false
	}

	sc := s.config.Scanner
	switch kind {
	case trading.StrategyPump:
		if !pumpCriterion(m, sc.PumpThresholdPercent, sc.PumpVolumeMultiplier, sc.MaxPumpPercent) {
			return trading.Signal{}, false
		}
		if !s.claimPump(symbol) {
			s.logger.Debug("pump already reported", "symbol", symbol)
			return trading.Signal{}, false
		}
	case trading.StrategyTopMover:
		if !topMoverCriterion(m, sc.TopMoversThreshold) {
			return trading.Signal{}, false
		}
		lim := validityLimits{minLiquidity: sc.MinLiquidity, minVolumeRatio: sc.MinVolumeRatio}
		if ok, reason := validSymbol(candles, m, lim); !ok {
			s.logger.Debug("symbol filtered", "symbol", symbol, "reason", reason)
			return trading.Signal{}, false
		}
	default:
		return trading.Signal{}, false
	}

	comps := s.scoring.Components(candles, m)
	comps.External = s.external(ctx, Features{
		Symbol:     symbol,
		Kind:       kind,
		Price:      m.price,
		Components: comps,
		Closes:     closesOf(candles),
	})

	side, score, ok := s.scoring.Decide(&comps)
	if !ok {
		s.logger.Debug("candidate discarded", "symbol", symbol, "kind", kind,
			"score", score, "agreement", comps.Agreement)
		return trading.Signal{}, false
	}

	s.logger.Info("signal detected", "symbol", symbol, "kind", kind, "side", side,
		"score", score, "change_pct", m.changePct, "volume_ratio", m.volumeRatio)
	return trading.Signal{
		Symbol:     symbol,
		Kind:       kind,
		Side:       side,
		Score:      score,
		Price:      m.price,
		Components: comps,
		DetectedAt: s.now(),
	}, true
}

// external asks the scorer for its view. Any failure yields nil so the
// composite falls back to indicators only.
func (s *Scanner) external(ctx context.Context, f Features) *float64 {
	if s.scorer == nil {
		return nil
	}
	timeout := s.config.ScoringTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := s.scorer.Score(sctx, f)
	if err != nil {
		s.logger.Warn("external score unavailable", "symbol", f.Symbol, "error", err)
		return nil
	}
	v = clamp(v, -1, 1)
	return &v
}

// claimPump records a pump for symbol in the current minute and reports
// whether it was the first one.
func (s *Scanner) claimPump(symbol string) bool {
	now := s.now()
	bucket := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, at := range s.pumps {
		if now.Sub(at) > pumpMemory {
			delete(s.pumps, sym)
		}
	}
	if at, ok := s.pumps[symbol]; ok && at.Equal(bucket) {
		return false
	}
	s.pumps[symbol] = bucket
	return true
}

// Symbols returns the configured symbols, or the top symbols by volume when
// none are configured. The dynamic list is refreshed once per slow scan
// interval; a stale list is reused when the refresh fails.
func (s *Scanner) Symbols(ctx context.Context) ([]string, error) {
	if len(s.config.Trading.Symbols) > 0 {
		return s.filterBlacklist(s.config.Trading.Symbols), nil
	}
	if s.universe == nil {
		return nil, fmt.Errorf("no symbols configured and no universe source")
	}

	s.mu.Lock()
	cached, at := s.symbols, s.symbolsAt
	s.mu.Unlock()
	if len(cached) > 0 && s.now().Sub(at) < s.config.SlowScanInterval() {
		return cached, nil
	}

	fresh, err := s.universe.TopSymbols(ctx, s.config.Exchange.QuoteAsset, s.config.Trading.UniverseSize)
	if err != nil {
		if len(cached) > 0 {
			s.logger.Warn("refresh symbol universe, using cached list", "error", err, "count", len(cached))
			return cached, nil
		}
		return nil, err
	}
	fresh = s.filterBlacklist(fresh)

	s.mu.Lock()
	s.symbols, s.symbolsAt = fresh, s.now()
	s.mu.Unlock()
	s.logger.Info("symbol universe refreshed", "count", len(fresh))
	return fresh, nil
}

func (s *Scanner) filterBlacklist(symbols []string) []string {
	if len(s.config.Trading.Blacklist) == 0 {
		return symbols
	}
	banned := make(map[string]bool, len(s.config.Trading.Blacklist))
	for _, b := range s.config.Trading.Blacklist {
		banned[strings.ToUpper(b)] = true
	}
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if !banned[strings.ToUpper(sym)] {
			out = append(out, sym)
		}
	}
	return out
}

// windowCandles converts the criterion window of kind into a candle count.
func (s *Scanner) windowCandles(kind trading.StrategyKind) int {
	seconds := s.config.Scanner.PumpTimeWindow
	if kind == trading.StrategyTopMover {
		seconds = s.config.Scanner.TopMoversTimeWindow
	}
	candle := s.config.CandleDuration()
	if candle <= 0 {
		return 1
	}
	n := int(time.Duration(seconds) * time.Second / candle)
	if n < 1 {
		n = 1
	}
	return n
}

func minHistory(kind trading.StrategyKind) int {
	if kind == trading.StrategyTopMover {
		return minTopMoverHistory
	}
	return minPumpHistory
}
