package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

var errExchange = errors.New("exchange unavailable")

type fakeClient struct {
	ex         model.ExchangeID
	price      decimal.Decimal
	exitPrice  decimal.Decimal
	available  decimal.Decimal
	placeErr   error
	placeErrAt int // 第 n 次下单失败，0 表示每次都用 placeErr
	closeErr   error
	condErr    error

	orders []port.OrderRequest
	closes []model.PositionSide
	conds  []port.ConditionalRequest
	calls  int
}

func newFakeClient(ex model.ExchangeID, price string) *fakeClient {
	p := decimal.RequireFromString(price)
	return &fakeClient{ex: ex, price: p, exitPrice: p, available: decimal.NewFromInt(100000)}
}

func (c *fakeClient) Exchange() model.ExchangeID { return c.ex }

func (c *fakeClient) SetLeverage(context.Context, string, int) error {
	c.calls++
	return nil
}

func (c *fakeClient) PlaceOrder(_ context.Context, req port.OrderRequest) (*port.OrderResult, error) {
	c.calls++
	c.orders = append(c.orders, req)
	if c.placeErrAt > 0 && len(c.orders) == c.placeErrAt {
		return nil, errExchange
	}
	if c.placeErrAt == 0 && c.placeErr != nil {
		return nil, c.placeErr
	}
	return &port.OrderResult{
		OrderID:   fmt.Sprintf("%s-%d", c.ex, len(c.orders)),
		Status:    model.OrderFilled,
		FilledQty: req.Quantity,
		AvgPrice:  c.price,
		Fee:       decimal.RequireFromString("0.1"),
	}, nil
}

func (c *fakeClient) GetOrder(context.Context, string, string, string) (*port.OrderResult, error) {
	c.calls++
	return nil, port.ErrOrderNotFound
}

func (c *fakeClient) ClosePosition(_ context.Context, _ string, side model.PositionSide, qty decimal.Decimal) (*port.OrderResult, error) {
	c.calls++
	c.closes = append(c.closes, side)
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	return &port.OrderResult{
		OrderID:   fmt.Sprintf("%s-close-%d", c.ex, len(c.closes)),
		Status:    model.OrderFilled,
		FilledQty: qty,
		AvgPrice:  c.exitPrice,
		Fee:       decimal.RequireFromString("0.1"),
	}, nil
}

func (c *fakeClient) GetBalance(context.Context) (*model.BalanceUpdate, error) {
	c.calls++
	return &model.BalanceUpdate{Asset: "USDT", Total: c.available, Available: c.available}, nil
}

func (c *fakeClient) GetMarkPrice(context.Context, string) (decimal.Decimal, error) {
	c.calls++
	return c.price, nil
}

func (c *fakeClient) GetPositions(context.Context) ([]model.PositionUpdate, error) {
	c.calls++
	return nil, nil
}

func (c *fakeClient) PlaceConditionalOrder(_ context.Context, req port.ConditionalRequest) (string, error) {
	c.calls++
	c.conds = append(c.conds, req)
	if c.condErr != nil {
		return "", c.condErr
	}
	return fmt.Sprintf("%s-cond-%d", c.ex, len(c.conds)), nil
}

func (c *fakeClient) ListConditionalOrders(context.Context, string) ([]model.ConditionalOrder, error) {
	c.calls++
	return nil, nil
}

type fakeProvider struct {
	clients map[model.ExchangeID]*fakeClient
	calls   int
}

func (p *fakeProvider) TradingClient(_ context.Context, _ string, ex model.ExchangeID) (port.TradingClient, error) {
	p.calls++
	c, ok := p.clients[ex]
	if !ok {
		return nil, model.NotFoundError("no active api key")
	}
	return c, nil
}

type pushed struct {
	room    string
	event   string
	payload string
}

type recorder struct {
	mu     sync.Mutex
	pushes []pushed
}

func (r *recorder) Broadcast(_ context.Context, room, event string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, pushed{room: room, event: event, payload: string(payload)})
	return nil
}

func (r *recorder) events(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.pushes {
		if p.room == room {
			out = append(out, p.event)
		}
	}
	return out
}

func (r *recorder) has(room, event string) bool {
	for _, e := range r.events(room) {
		if e == event {
			return true
		}
	}
	return false
}

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}
