package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/net/retry"
)

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","filters":[
 {"filterType":"PRICE_FILTER","tickSize":"0.10"},
 {"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
 {"filterType":"MARKET_LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
 {"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	c, err := NewClient(cfg, WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
	require.NoError(t, err)
	return c
}

func TestFetchBarsParsesKlines(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Empty(t, r.URL.Query().Get("signature"))
		w.Write([]byte(`[[1700000000000,"100.0","101.5","99.5","101.0","12.5",1700003599999,"1262.5",10,"6","600","0"],
			[1700003600000,"101.0","102.0","100.0","100.5","8",1700007199999,"804",7,"3","300","0"]]`))
	}))

	bars, err := c.FetchBars(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), bars[0].Timestamp)
	assert.Equal(t, 101.5, bars[0].High)
	assert.Equal(t, 12.5, bars[0].Volume)
	assert.Equal(t, 100.5, bars[1].Close)
}

func TestFetchBarsRetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))

	bars, err := c.FetchBars(context.Background(), "BTCUSDT", "1h", 10)
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchBarsWrapsMarketDataError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))

	_, err := c.FetchBars(context.Background(), "NOPE", "1h", 10)
	var mde *exchange.MarketDataError
	require.ErrorAs(t, err, &mde)
	assert.Equal(t, "NOPE", mde.Symbol)
	var apiErr *exchange.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1121, apiErr.Code)
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		raw := r.URL.RawQuery
		idx := strings.LastIndex(raw, "&signature=")
		require.Positive(t, idx)
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(raw[:idx]))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), raw[idx+len("&signature="):])
		assert.Equal(t, "1700000000000", r.URL.Query().Get("timestamp"))
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000","markPrice":"49900",
			"unRealizedProfit":"1.0","leverage":"10"},{"symbol":"ETHUSDT","positionAmt":"0.000","leverage":"5"}]`))
	}))

	positions, err := c.FetchOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, market.SideShort, positions[0].Side)
	assert.Equal(t, 0.01, positions[0].Quantity)
	assert.Equal(t, 10, positions[0].Leverage)
}

func TestSetMarginModeNoChange(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ISOLATED", r.PostForm.Get("marginType"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	}))

	err := c.SetMarginMode(context.Background(), "BTCUSDT", exchange.MarginIsolated)
	assert.ErrorIs(t, err, exchange.ErrNoChange)
}

func TestSetLeverageMismatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"leverage":5,"symbol":"BTCUSDT"}`))
	}))
	assert.Error(t, c.SetLeverage(context.Background(), "BTCUSDT", 10))
}

func TestSubmitStopOrderQuantizes(t *testing.T) {
	var form map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			w.Write([]byte(exchangeInfoBody))
		case "/fapi/v1/order":
			require.NoError(t, r.ParseForm())
			form = map[string]string{}
			for k := range r.PostForm {
				form[k] = r.PostForm.Get(k)
			}
			w.Write([]byte(`{"orderId":42,"clientOrderId":"rr-sl","symbol":"BTCUSDT","status":"NEW","executedQty":"0","avgPrice":"0","updateTime":1700000000000}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	ack, err := c.SubmitStopOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: "SELL", Quantity: 0.0129, StopPrice: 49500.123, ClientOrderID: "rr-sl",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ack.OrderID)
	assert.Equal(t, exchange.StatusNew, ack.Status)
	assert.Equal(t, "STOP_MARKET", form["type"])
	assert.Equal(t, "0.012", form["quantity"])
	assert.Equal(t, "49500.1", form["stopPrice"])
	assert.Equal(t, "true", form["reduceOnly"])
	assert.Equal(t, "MARK_PRICE", form["workingType"])
	assert.Equal(t, "rr-sl", form["newClientOrderId"])
}

func TestSubmitMarketOrderBelowMinQty(t *testing.T) {
	var orders int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/order" {
			atomic.AddInt32(&orders, 1)
		}
		w.Write([]byte(exchangeInfoBody))
	}))

	_, err := c.SubmitMarketOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: "BUY", Quantity: 0.0002})
	assert.ErrorIs(t, err, ErrBelowMinQty)
	assert.Zero(t, atomic.LoadInt32(&orders))
}

func TestGetOrderNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rr-entry", r.URL.Query().Get("origClientOrderId"))
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	}))

	_, err := c.GetOrder(context.Background(), "BTCUSDT", "rr-entry")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestGetOrderFilled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderId":7,"clientOrderId":"rr-entry","symbol":"BTCUSDT","status":"FILLED","executedQty":"0.010","avgPrice":"50010.5","updateTime":1700000000000}`))
	}))

	ack, err := c.GetOrder(context.Background(), "BTCUSDT", "rr-entry")
	require.NoError(t, err)
	assert.True(t, ack.Filled())
	assert.True(t, ack.Status.Terminal())
	assert.Equal(t, 50010.5, ack.AvgPrice)
}

func TestFiltersPrice(t *testing.T) {
	f := SymbolFilters{Symbol: "BTCUSDT", TickSize: decimal.RequireFromString("0.5")}
	p, err := f.Price(50750.3)
	require.NoError(t, err)
	assert.Equal(t, "50750.5", p)

	_, err = f.Price(0.1)
	assert.Error(t, err)
}
