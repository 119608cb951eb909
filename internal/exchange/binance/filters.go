package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/net/client"
	"github.com/sawpanic/rangerun/internal/net/ratelimit"
)

// ErrBelowMinQty is returned when a quantity rounds below the lot minimum.
var ErrBelowMinQty = errors.New("quantity below minimum lot")

// SymbolFilters holds the lot and tick rules of one symbol.
type SymbolFilters struct {
	Symbol       string
	StepSize     decimal.Decimal
	MinQty       decimal.Decimal
	MarketStep   decimal.Decimal
	MarketMinQty decimal.Decimal
	TickSize     decimal.Decimal
	MinNotional  decimal.Decimal
}

// Quantity floors q to the lot step. Market orders use the market lot filter
// when the venue publishes one.
func (f SymbolFilters) Quantity(q float64, marketOrder bool) (string, error) {
	step, minQty := f.StepSize, f.MinQty
	if marketOrder && f.MarketStep.IsPositive() {
		step, minQty = f.MarketStep, f.MarketMinQty
	}
	d := decimal.NewFromFloat(q)
	if step.IsPositive() {
		d = d.Div(step).Floor().Mul(step)
	}
	if !d.IsPositive() || d.LessThan(minQty) {
		return "", fmt.Errorf("%s: %v rounds to %s: %w", f.Symbol, q, d.String(), ErrBelowMinQty)
	}
	return d.String(), nil
}

// Price rounds p to the nearest tick.
func (f SymbolFilters) Price(p float64) (string, error) {
	d := decimal.NewFromFloat(p)
	if f.TickSize.IsPositive() {
		d = d.Div(f.TickSize).Round(0).Mul(f.TickSize)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("%s: price %v rounds to %s", f.Symbol, p, d.String())
	}
	return d.String(), nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			TickSize   string `json:"tickSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// LoadFilters fetches exchangeInfo and caches every symbol's filters.
func (c *Client) LoadFilters(ctx context.Context) error {
	var info exchangeInfo
	err := c.read(ctx, "exchange_info", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, false, &info,
			client.Cost{Bucket: ratelimit.BucketWeight, Units: 1})
	})
	if err != nil {
		return &exchange.MarketDataError{Op: "exchange_info", Err: err}
	}

	parsed := make(map[string]SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		f := SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseDecimal(flt.StepSize)
				f.MinQty = parseDecimal(flt.MinQty)
			case "MARKET_LOT_SIZE":
				f.MarketStep = parseDecimal(flt.StepSize)
				f.MarketMinQty = parseDecimal(flt.MinQty)
			case "PRICE_FILTER":
				f.TickSize = parseDecimal(flt.TickSize)
			case "MIN_NOTIONAL":
				f.MinNotional = parseDecimal(flt.Notional)
			}
		}
		parsed[s.Symbol] = f
	}

	c.mu.Lock()
	c.filters = parsed
	c.mu.Unlock()
	return nil
}

func (c *Client) symbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}
	if err := c.LoadFilters(ctx); err != nil {
		return SymbolFilters{}, err
	}
	c.mu.RLock()
	f, ok = c.filters[symbol]
	c.mu.RUnlock()
	if !ok {
		return SymbolFilters{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return f, nil
}
