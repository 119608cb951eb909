package exchange

import (
	"context"
	"time"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

// MarginMode is the futures margin mode of a symbol.
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCrossed  MarginMode = "CROSSED"
)

// OrderType enumerates the order types the execution machine places.
type OrderType string

const (
	OrderMarket           OrderType = "MARKET"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus mirrors the venue order lifecycle.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Position is an open futures position as reported by the venue.
type Position struct {
	Symbol        string      `json:"symbol"`
	Side          market.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	EntryPrice    float64     `json:"entry_price"`
	MarkPrice     float64     `json:"mark_price"`
	UnrealizedPnL float64     `json:"unrealized_pnl"`
	Leverage      int         `json:"leverage"`
}

// OrderRequest describes one order. Side is the venue order side (BUY/SELL).
// Protective orders carry StopPrice and are reduce-only, triggered off the
// mark price.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only"`
	ClientOrderID string    `json:"client_order_id"`
}

// OrderAck is the venue's view of an order after submission or lookup.
type OrderAck struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	UpdateTime    time.Time   `json:"update_time"`
}

// Filled reports whether any quantity executed.
func (a OrderAck) Filled() bool { return a.ExecutedQty > 0 }

// Connector is the venue surface the pipeline needs. Implementations map
// "already in the requested state" responses to ErrNoChange and unknown
// client order ids to ErrOrderNotFound.
type Connector interface {
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error)
	FetchOpenPositions(ctx context.Context) ([]Position, error)
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	SubmitStopOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	SubmitTakeProfitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (OrderAck, error)
}

// CountOpen counts positions with a non-zero quantity.
func CountOpen(positions []Position) int {
	n := 0
	for _, p := range positions {
		if p.Quantity != 0 {
			n++
		}
	}
	return n
}

// OpenSymbols returns the set of symbols holding a position.
func OpenSymbols(positions []Position) map[string]bool {
	out := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			out[p.Symbol] = true
		}
	}
	return out
}
