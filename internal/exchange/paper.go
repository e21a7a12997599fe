package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/cryptopump/internal/logger"
	"github.com/camuig/cryptopump/internal/trading"
)

// Paper serves real market data but fills orders locally at the last
// price. Order statuses live in memory only.
type Paper struct {
	market *Client
	prices trading.PriceSource
	logger *logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]trading.OrderStatus
	seq    int64
}

// NewPaper builds a paper exchange. prices may be nil, in which case fills
// use the REST ticker.
func NewPaper(market *Client, prices trading.PriceSource, log *logger.Logger) *Paper {
	return &Paper{
		market: market,
		prices: prices,
		logger: log,
		now:    time.Now,
		orders: make(map[string]trading.OrderStatus),
	}
}

func (p *Paper) RecentCandles(ctx context.Context, symbol string, limit int) ([]trading.Candle, error) {
	return p.market.RecentCandles(ctx, symbol, limit)
}

func (p *Paper) TopSymbols(ctx context.Context, quote string, n int) ([]string, error) {
	return p.market.TopSymbols(ctx, quote, n)
}

func (p *Paper) MinNotional(symbol string) float64 {
	return p.market.MinNotional(symbol)
}

// PlaceOrder fills req immediately. Replaying a client order id returns the
// original fill.
func (p *Paper) PlaceOrder(ctx context.Context, req trading.OrderRequest) (trading.Fill, error) {
	p.mu.Lock()
	if st, ok := p.orders[req.ClientOrderID]; ok && st.Fill != nil {
		p.mu.Unlock()
		return *st.Fill, nil
	}
	p.mu.Unlock()

	qty := roundStep(req.Quantity, 0)
	if qty <= 0 {
		return trading.Fill{}, trading.Rejected("place_order", fmt.Sprintf("quantity %v too small", req.Quantity))
	}

	price, err := p.price(ctx, req.Symbol)
	if err != nil {
		return trading.Fill{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	fill := trading.Fill{
		OrderID:       fmt.Sprintf("paper-%d", p.seq),
		ClientOrderID: req.ClientOrderID,
		Price:         price,
		Quantity:      qty,
		Time:          p.now().UTC(),
	}
	p.orders[req.ClientOrderID] = trading.OrderStatus{ClientOrderID: req.ClientOrderID, State: trading.OrderFilled, Fill: &fill}

	p.logger.Info("paper order filled", "symbol", req.Symbol, "side", req.Side,
		"qty", qty, "price", price, "client_order_id", req.ClientOrderID)
	return fill, nil
}

func (p *Paper) CancelOrder(_ context.Context, _, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.orders[clientOrderID]; ok && st.State == trading.OrderNew {
		st.State = trading.OrderCancelled
		p.orders[clientOrderID] = st
	}
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, _, clientOrderID string) (trading.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.orders[clientOrderID]; ok {
		return st, nil
	}
	return trading.OrderStatus{ClientOrderID: clientOrderID, State: trading.OrderNotFound}, nil
}

func (p *Paper) price(ctx context.Context, symbol string) (float64, error) {
	if p.prices != nil {
		if v, ok := p.prices.LastPrice(symbol); ok {
			return v, nil
		}
	}
	return p.market.LastPrice(ctx, symbol)
}
