// Package paper is an in-memory exchange that fills market orders at the
// last known price. Market data comes from a live connector.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange"
)

// BarSource supplies klines.
type BarSource interface {
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error)
}

type symbolState struct {
	margin   exchange.MarginMode
	leverage int
	position exchange.Position
}

// Exchange implements exchange.Connector without touching a venue.
type Exchange struct {
	source BarSource
	now    func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState
	orders  map[string]exchange.OrderAck
	last    map[string]float64
	seq     int64
}

var _ exchange.Connector = (*Exchange)(nil)

func New(source BarSource) *Exchange {
	return &Exchange{
		source:  source,
		now:     time.Now,
		symbols: make(map[string]*symbolState),
		orders:  make(map[string]exchange.OrderAck),
		last:    make(map[string]float64),
	}
}

func (e *Exchange) state(symbol string) *symbolState {
	s, ok := e.symbols[symbol]
	if !ok {
		s = &symbolState{margin: exchange.MarginCrossed, leverage: 20}
		e.symbols[symbol] = s
	}
	return s
}

// SetPrice overrides the fill price for symbol.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.last[symbol] = price
	e.mu.Unlock()
}

func (e *Exchange) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	if e.source == nil {
		return nil, &exchange.MarketDataError{Op: "klines", Symbol: symbol, Err: fmt.Errorf("no bar source")}
	}
	bars, err := e.source.FetchBars(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		e.SetPrice(symbol, bars[len(bars)-1].Close)
	}
	return bars, nil
}

func (e *Exchange) FetchOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []exchange.Position
	for _, s := range e.symbols {
		if s.position.Quantity != 0 {
			p := s.position
			p.MarkPrice = e.last[p.Symbol]
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Exchange) SetMarginMode(ctx context.Context, symbol string, mode exchange.MarginMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state(symbol)
	if s.margin == mode {
		return exchange.ErrNoChange
	}
	if s.position.Quantity != 0 {
		return &exchange.APIError{StatusCode: 400, Code: -4048, Message: "margin type cannot be changed with open position"}
	}
	s.margin = mode
	return nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return &exchange.APIError{StatusCode: 400, Code: -4028, Message: "leverage not valid"}
	}
	e.mu.Lock()
	e.state(symbol).leverage = leverage
	e.mu.Unlock()
	return nil
}

func (e *Exchange) record(req exchange.OrderRequest, status exchange.OrderStatus, qty, price float64) exchange.OrderAck {
	e.seq++
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	ack := exchange.OrderAck{
		OrderID:       strconv.FormatInt(e.seq, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        status,
		ExecutedQty:   qty,
		AvgPrice:      price,
		UpdateTime:    e.now().UTC(),
	}
	e.orders[req.ClientOrderID] = ack
	return ack
}

func (e *Exchange) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderAck{}, err
	}
	if req.Quantity <= 0 {
		return exchange.OrderAck{}, &exchange.APIError{StatusCode: 400, Code: -4003, Message: "quantity less than or equal to zero"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.last[req.Symbol]
	if !ok || price <= 0 {
		return exchange.OrderAck{}, &exchange.APIError{StatusCode: 400, Code: -1121, Message: "no price for " + req.Symbol}
	}

	s := e.state(req.Symbol)
	signed := req.Quantity
	if req.Side == "SELL" {
		signed = -signed
	}
	cur := s.position.Quantity
	if s.position.Side == market.SideShort {
		cur = -cur
	}
	if req.ReduceOnly && (cur == 0 || (cur > 0) == (signed > 0)) {
		return exchange.OrderAck{}, &exchange.APIError{StatusCode: 400, Code: -2022, Message: "ReduceOnly Order is rejected"}
	}
	next := cur + signed
	if req.ReduceOnly && ((cur > 0 && next < 0) || (cur < 0 && next > 0)) {
		next = 0
	}

	switch {
	case next == 0:
		s.position = exchange.Position{}
	case next > 0:
		s.position = exchange.Position{Symbol: req.Symbol, Side: market.SideLong, Quantity: next, EntryPrice: price, Leverage: s.leverage}
	default:
		s.position = exchange.Position{Symbol: req.Symbol, Side: market.SideShort, Quantity: -next, EntryPrice: price, Leverage: s.leverage}
	}
	ack := e.record(req, exchange.StatusFilled, req.Quantity, price)
	log.Info().Str("symbol", req.Symbol).Str("side", req.Side).Float64("qty", req.Quantity).
		Float64("price", price).Msg("paper fill")
	return ack, nil
}

func (e *Exchange) submitProtective(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderAck{}, err
	}
	if req.StopPrice <= 0 || req.Quantity <= 0 {
		return exchange.OrderAck{}, &exchange.APIError{StatusCode: 400, Code: -1102, Message: "stop price and quantity required"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(req, exchange.StatusNew, 0, 0), nil
}

func (e *Exchange) SubmitStopOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	req.Type, req.ReduceOnly = exchange.OrderStopMarket, true
	return e.submitProtective(ctx, req)
}

func (e *Exchange) SubmitTakeProfitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	req.Type, req.ReduceOnly = exchange.OrderTakeProfitMarket, true
	return e.submitProtective(ctx, req)
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ack, ok := e.orders[clientOrderID]
	if !ok || ack.Symbol != symbol {
		return exchange.OrderAck{}, exchange.ErrOrderNotFound
	}
	return ack, nil
}
