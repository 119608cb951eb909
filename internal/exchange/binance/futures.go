package binance

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/net/breaker"
	"github.com/sawpanic/rangerun/internal/net/client"
	"github.com/sawpanic/rangerun/internal/net/ratelimit"
	"github.com/sawpanic/rangerun/internal/net/retry"
)

const (
	// DefaultBaseURL is the USDT-M futures REST endpoint.
	DefaultBaseURL = "https://fapi.binance.com"

	codeNoChange      = -4046 // No need to change margin type.
	codeOrderNotExist = -2013
)

// Config configures the futures client
type Config struct {
	BaseURL    string                               `yaml:"base_url"`
	APIKey     string                               `yaml:"-"`
	APISecret  string                               `yaml:"-"`
	RecvWindow time.Duration                        `yaml:"recv_window"` // Default: 5s
	Timeout    time.Duration                        `yaml:"timeout"`     // Default: 10s per request
	Quotas     map[ratelimit.Bucket]ratelimit.Quota `yaml:"-"`
	Retry      retry.Policy                         `yaml:"retry"`
	Breaker    breaker.Config                       `yaml:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:    DefaultBaseURL,
		RecvWindow: 5 * time.Second,
		Timeout:    10 * time.Second,
		Quotas:     ratelimit.DefaultQuotas(),
		Retry:      retry.DefaultPolicy(),
		Breaker:    breaker.DefaultConfig(),
	}
}

// Client is a signed REST client for USDT-M futures. It implements
// exchange.Connector.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *breaker.Set
	now      func() time.Time

	mu      sync.RWMutex
	filters map[string]SymbolFilters
}

var _ exchange.Connector = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPTransport replaces the underlying transport, e.g. in tests.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = client.NewWrapper(client.WrapperConfig{
			Provider:    "binance",
			APIKey:      c.cfg.APIKey,
			RateLimiter: ratelimit.NewLimiter(c.cfg.Quotas),
		}, rt)
	}
}

// WithClock overrides the request timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBreakerHook reports breaker transitions, e.g. to metrics.
func WithBreakerHook(fn func(name string, from, to gobreaker.State)) Option {
	return func(c *Client) {
		c.breakers = breaker.NewSet(c.cfg.Breaker, breaker.WithSuccessClassifier(isClientError), breaker.WithStateHook(fn))
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("binance base url: %w", err)
	}
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: client.NewWrapper(client.WrapperConfig{
				Provider:    "binance",
				APIKey:      cfg.APIKey,
				RateLimiter: ratelimit.NewLimiter(cfg.Quotas),
			}, nil),
		},
		breakers: breaker.NewSet(cfg.Breaker, breaker.WithSuccessClassifier(isClientError)),
		now:      time.Now,
		filters:  make(map[string]SymbolFilters),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// isClientError keeps well-formed venue rejections from tripping breakers.
func isClientError(err error) bool {
	var apiErr *exchange.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
}

func (c *Client) sign(params url.Values) string {
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	payload := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// do performs one request and decodes a JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}, costs ...client.Cost) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		query = c.sign(params)
	}
	endpoint := c.cfg.BaseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			endpoint += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	if len(costs) > 0 {
		ctx = client.WithCost(ctx, costs...)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var pe *client.ProviderError
		if errors.As(err, &pe) && pe.IsRateLimited() {
			// Never sent; drop the transport chain so it is not ambiguous.
			return fmt.Errorf("%w: %v", exchange.ErrRateLimited, pe.Err)
		}
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		apiErr := &exchange.APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		switch apiErr.Code {
		case codeNoChange:
			return fmt.Errorf("%w: %w", exchange.ErrNoChange, apiErr)
		case codeOrderNotExist:
			return fmt.Errorf("%w: %w", exchange.ErrOrderNotFound, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// read wraps idempotent calls in the endpoint breaker and bounded retries.
func (c *Client) read(ctx context.Context, group string, fn func(context.Context) error) error {
	return retry.Do(ctx, c.cfg.Retry, group, exchange.Retryable, func(ctx context.Context) error {
		return c.breakers.Do(group, func() error { return fn(ctx) })
	})
}

// FetchBars returns up to limit klines, oldest first. The last kline may
// still be forming.
func (c *Client) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	err := c.read(ctx, "klines", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw,
			client.Cost{Bucket: ratelimit.BucketWeight, Units: klineWeight(limit)})
	})
	if err != nil {
		return nil, &exchange.MarketDataError{Op: "klines", Symbol: symbol, Err: err}
	}

	bars := make([]market.Bar, 0, len(raw))
	for i, row := range raw {
		b, err := parseKline(row)
		if err != nil {
			return nil, &exchange.MarketDataError{Op: "klines", Symbol: symbol, Err: fmt.Errorf("row %d: %w", i, err)}
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func klineWeight(limit int) int {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func parseKline(row []json.RawMessage) (market.Bar, error) {
	if len(row) < 6 {
		return market.Bar{}, fmt.Errorf("kline has %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return market.Bar{}, fmt.Errorf("open time: %w", err)
	}
	vals := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return market.Bar{}, fmt.Errorf("field %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i-1] = v
	}
	return market.Bar{
		Timestamp: time.UnixMilli(openTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// FetchOpenPositions returns positions with a non-zero amount.
func (c *Client) FetchOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	var raw []positionRisk
	err := c.read(ctx, "positions", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &raw,
			client.Cost{Bucket: ratelimit.BucketWeight, Units: 5})
	})
	if err != nil {
		return nil, &exchange.MarketDataError{Op: "positions", Err: err}
	}

	out := make([]exchange.Position, 0, len(raw))
	for _, r := range raw {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		p := exchange.Position{Symbol: r.Symbol, Side: market.SideLong, Quantity: amt}
		if amt < 0 {
			p.Side = market.SideShort
			p.Quantity = -amt
		}
		p.EntryPrice, _ = strconv.ParseFloat(r.EntryPrice, 64)
		p.MarkPrice, _ = strconv.ParseFloat(r.MarkPrice, 64)
		p.UnrealizedPnL, _ = strconv.ParseFloat(r.UnRealizedProfit, 64)
		p.Leverage, _ = strconv.Atoi(r.Leverage)
		out = append(out, p)
	}
	return out, nil
}

// SetMarginMode switches the symbol's margin mode. ErrNoChange is returned
// when it already matches.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode exchange.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(mode))
	return c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	var resp struct {
		Leverage int `json:"leverage"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, &resp); err != nil {
		return err
	}
	if resp.Leverage != 0 && resp.Leverage != leverage {
		return fmt.Errorf("%s leverage set to %d, wanted %d", symbol, resp.Leverage, leverage)
	}
	return nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) ack() exchange.OrderAck {
	qty, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	return exchange.OrderAck{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Status:        exchange.OrderStatus(r.Status),
		ExecutedQty:   qty,
		AvgPrice:      avg,
		UpdateTime:    time.UnixMilli(r.UpdateTime).UTC(),
	}
}

func (c *Client) submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	f, err := c.symbolFilters(ctx, req.Symbol)
	if err != nil {
		return exchange.OrderAck{}, err
	}
	qty, err := f.Quantity(req.Quantity, req.Type == exchange.OrderMarket)
	if err != nil {
		return exchange.OrderAck{}, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", string(req.Type))
	params.Set("quantity", qty)
	params.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.Type != exchange.OrderMarket {
		price, err := f.Price(req.StopPrice)
		if err != nil {
			return exchange.OrderAck{}, err
		}
		params.Set("stopPrice", price)
		params.Set("workingType", "MARK_PRICE")
	}

	var resp orderResponse
	err = c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp,
		client.Cost{Bucket: ratelimit.BucketWeight, Units: 1},
		client.Cost{Bucket: ratelimit.BucketOrders, Units: 1})
	if err != nil {
		return exchange.OrderAck{}, err
	}
	log.Debug().Str("symbol", req.Symbol).Str("type", string(req.Type)).Str("side", req.Side).
		Str("qty", qty).Int64("order_id", resp.OrderID).Str("status", resp.Status).Msg("order accepted")
	return resp.ack(), nil
}

func (c *Client) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	req.Type = exchange.OrderMarket
	return c.submit(ctx, req)
}

func (c *Client) SubmitStopOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	req.Type = exchange.OrderStopMarket
	req.ReduceOnly = true
	return c.submit(ctx, req)
}

func (c *Client) SubmitTakeProfitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	req.Type = exchange.OrderTakeProfitMarket
	req.ReduceOnly = true
	return c.submit(ctx, req)
}

// GetOrder looks an order up by client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	var resp orderResponse
	err := c.read(ctx, "order_status", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true, &resp)
	})
	if err != nil {
		return exchange.OrderAck{}, err
	}
	return resp.ack(), nil
}
