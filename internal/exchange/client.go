package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/camuig/cryptopump/internal/config"
	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/metrics"
	"github.com/camuig/cryptopump/internal/trading"
)

const recvWindow = "5000"

// Binance error codes that need special handling.
const (
	codeTooManyRequests = -1003
	codeTimestamp       = -1021
	codeUnknownOrder    = -2011
	codeNoSuchOrder     = -2013
)

// APIError is an error body returned by the exchange.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance %d (code %d): %s", e.Status, e.Code, e.Msg)
}

// Client talks to a Binance-compatible spot REST API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	secretKey   string
	interval    string
	minNotional float64
	logger      *logger.Logger
	now         func() time.Time

	mu      sync.RWMutex
	filters map[string]symbolFilters
}

type symbolFilters struct {
	stepSize    float64
	minNotional float64
}

func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout()},
		baseURL:     strings.TrimRight(cfg.Exchange.BaseURL, "/"),
		apiKey:      cfg.Exchange.APIKey,
		secretKey:   cfg.Exchange.SecretKey,
		interval:    cfg.Scanner.CandleInterval,
		minNotional: cfg.Exchange.MinNotional,
		logger:      log,
		now:         time.Now,
		filters:     make(map[string]symbolFilters),
	}
}

// Market data

// RecentCandles returns the last limit candles of symbol, oldest first.
func (c *Client) RecentCandles(ctx context.Context, symbol string, limit int) ([]trading.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", c.interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, "klines", http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]trading.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, trading.Candle{
			OpenTime: time.UnixMilli(int64(toFloat64(row[0]))).UTC(),
			Open:     toFloat64(row[1]),
			High:     toFloat64(row[2]),
			Low:      toFloat64(row[3]),
			Close:    toFloat64(row[4]),
			Volume:   toFloat64(row[5]),
		})
	}
	return candles, nil
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

// TopSymbols returns the n symbols quoted in quote with the highest 24h
// quote volume. Leveraged tokens are skipped.
func (c *Client) TopSymbols(ctx context.Context, quote string, n int) ([]string, error) {
	body, err := c.do(ctx, "ticker24h", http.MethodGet, "/api/v3/ticker/24hr", nil, false)
	if err != nil {
		return nil, err
	}

	var tickers []ticker24h
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("parse 24h tickers: %w", err)
	}

	type ranked struct {
		symbol string
		volume float64
	}
	var candidates []ranked
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, quote) || leveraged(strings.TrimSuffix(t.Symbol, quote)) {
			continue
		}
		if toFloat64(t.LastPrice) == 0 {
			continue // trading halted
		}
		candidates = append(candidates, ranked{t.Symbol, toFloat64(t.QuoteVolume)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].volume > candidates[j].volume })

	result := make([]string, 0, n)
	for _, r := range candidates {
		if len(result) >= n {
			break
		}
		result = append(result, r.symbol)
	}
	return result, nil
}

// LastPrice fetches the latest traded price over REST.
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, "price", http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var p struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, fmt.Errorf("parse price: %w", err)
	}
	price := toFloat64(p.Price)
	if price <= 0 {
		return 0, trading.Rejected("price", "no price for "+symbol)
	}
	return price, nil
}

// MinNotional returns the cached exchange minimum for symbol, or the
// configured floor before filters were loaded.
func (c *Client) MinNotional(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.filters[symbol]; ok && f.minNotional > c.minNotional {
		return f.minNotional
	}
	return c.minNotional
}

func (c *Client) symbolFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.do(ctx, "exchange_info", http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return symbolFilters{}, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return symbolFilters{}, fmt.Errorf("parse exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.stepSize = toFloat64(flt.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				f.minNotional = toFloat64(flt.MinNotional)
			}
		}
	}

	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// Orders

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

func (o orderResponse) state() trading.OrderState {
	switch o.Status {
	case "FILLED":
		return trading.OrderFilled
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return trading.OrderNew
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return trading.OrderCancelled
	default:
		return trading.OrderRejected
	}
}

func (o orderResponse) fill() *trading.Fill {
	qty := toFloat64(o.ExecutedQty)
	if qty <= 0 {
		return nil
	}
	ts := o.TransactTime
	if ts == 0 {
		ts = o.UpdateTime
	}
	return &trading.Fill{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Price:         toFloat64(o.CummulativeQuoteQty) / qty,
		Quantity:      qty,
		Time:          time.UnixMilli(ts).UTC(),
	}
}

// PlaceOrder submits a market order and returns its fill. The client order
// id makes the request idempotent on the exchange side.
func (c *Client) PlaceOrder(ctx context.Context, req trading.OrderRequest) (trading.Fill, error) {
	f, err := c.symbolFilters(ctx, req.Symbol)
	if err != nil {
		return trading.Fill{}, err
	}
	qty := roundStep(req.Quantity, f.stepSize)
	if qty <= 0 {
		return trading.Fill{}, trading.Rejected("place_order", fmt.Sprintf("quantity %v below lot size %v", req.Quantity, f.stepSize))
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")

	body, err := c.do(ctx, "place_order", http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return trading.Fill{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return trading.Fill{}, trading.Transient("place_order", fmt.Errorf("parse order response: %w", err))
	}

	switch resp.state() {
	case trading.OrderFilled:
		fill := resp.fill()
		if fill == nil {
			return trading.Fill{}, trading.Transient("place_order", fmt.Errorf("order %s filled without quantity", req.ClientOrderID))
		}
		c.logger.Info("order filled", "symbol", req.Symbol, "side", req.Side,
			"qty", resp.ExecutedQty, "client_order_id", req.ClientOrderID)
		return *fill, nil
	case trading.OrderNew:
		// accepted but not yet filled; the caller resolves it by status
		return trading.Fill{}, trading.Transient("place_order", fmt.Errorf("order %s is %s", req.ClientOrderID, resp.Status))
	default:
		return trading.Fill{}, trading.Rejected("place_order", fmt.Sprintf("order %s %s", req.ClientOrderID, resp.Status))
	}
}

// CancelOrder cancels an open order. Cancelling an order the exchange no
// longer knows as open is not an error.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	_, err := c.do(ctx, "cancel_order", http.MethodDelete, "/api/v3/order", params, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
		return nil
	}
	return err
}

func (c *Client) OrderStatus(ctx context.Context, symbol, clientOrderID string) (trading.OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.do(ctx, "order_status", http.MethodGet, "/api/v3/order", params, true)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoSuchOrder {
		return trading.OrderStatus{ClientOrderID: clientOrderID, State: trading.OrderNotFound}, nil
	}
	if err != nil {
		return trading.OrderStatus{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return trading.OrderStatus{}, trading.Transient("order_status", fmt.Errorf("parse order: %w", err))
	}
	st := trading.OrderStatus{ClientOrderID: clientOrderID, State: resp.state()}
	if st.State == trading.OrderFilled {
		st.Fill = resp.fill()
	}
	return st, nil
}

// do performs one request and classifies failures: network faults, 5xx and
// rate limits are transient, other API errors are rejections. Signed
// requests carry a timestamp and an HMAC-SHA256 signature.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", recvWindow)
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + sign(c.secretKey, query)
	}

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(op, "error").Inc()
		return nil, trading.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ExchangeRequests.WithLabelValues(op, "error").Inc()
		return nil, trading.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusOK {
		metrics.ExchangeRequests.WithLabelValues(op, "ok").Inc()
		return body, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	_ = json.Unmarshal(body, apiErr)
	if apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusTeapot,
		apiErr.Code == codeTooManyRequests,
		apiErr.Code == codeTimestamp:
		metrics.ExchangeRequests.WithLabelValues(op, "transient").Inc()
		return nil, trading.Transient(op, apiErr)
	default:
		metrics.ExchangeRequests.WithLabelValues(op, "rejected").Inc()
		return nil, trading.RejectedBy(op, apiErr)
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
