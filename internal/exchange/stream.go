package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
)

const (
	streamReadTimeout = 60 * time.Second
	priceStaleAfter   = 30 * time.Second
)

type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type quote struct {
	price float64
	at    time.Time
}

// Stream keeps last prices from the all-market mini ticker websocket. It
// implements trading.PriceSource; prices older than priceStaleAfter are
// reported as missing.
type Stream struct {
	url    string
	dialer *websocket.Dialer
	logger *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]quote
}

func NewStream(cfg *config.Config, log *logger.Logger) *Stream {
	return &Stream{
		url:    cfg.Exchange.WSURL,
		dialer: websocket.DefaultDialer,
		logger: log,
		now:    time.Now,
		prices: make(map[string]quote),
	}
}

func (s *Stream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[symbol]
	if !ok || s.now().Sub(q.at) > priceStaleAfter {
		return 0, false
	}
	return q.price, true
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (s *Stream) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		start := s.now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("price stream stopped")
			return
		}
		if s.now().Sub(start) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn("price stream disconnected, reconnecting", "error", err, "wait", wait.String())

		select {
		case <-ctx.Done():
			s.logger.Info("price stream stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("price stream connected", "url", s.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(8 << 20)
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if n, err := s.apply(msg); err != nil {
			s.logger.Debug("skip stream message", "error", err)
		} else if n == 0 {
			s.logger.Debug("empty stream message")
		}
	}
}

// apply records the prices in msg, which is either one ticker or an array.
func (s *Stream) apply(msg []byte) (int, error) {
	var tickers []miniTicker
	if err := json.Unmarshal(msg, &tickers); err != nil {
		var one miniTicker
		if err := json.Unmarshal(msg, &one); err != nil {
			return 0, fmt.Errorf("parse ticker: %w", err)
		}
		tickers = []miniTicker{one}
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tickers {
		price, err := strconv.ParseFloat(t.Close, 64)
		if err != nil || price <= 0 || t.Symbol == "" {
			continue
		}
		s.prices[t.Symbol] = quote{price: price, at: now}
		n++
	}
	return n, nil
}
