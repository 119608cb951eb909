package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

type countingSource struct {
	calls int
	bars  []market.Bar
	err   error
}

func (s *countingSource) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	s.calls++
	return s.bars, s.err
}

func sampleBars() []market.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []market.Bar{
		{Timestamp: t0, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
		{Timestamp: t0.Add(time.Hour), Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 12},
	}
}

func TestRedisCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &RedisCache{client: db}
	ctx := context.Background()

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("k").SetVal("v")
		val, found, err := c.Get(ctx, "k")
		if err != nil || !found || string(val) != "v" {
			t.Fatalf("Get = %q, %v, %v", val, found, err)
		}
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet("missing").RedisNil()
		val, found, err := c.Get(ctx, "missing")
		if err != nil || found || val != nil {
			t.Fatalf("Get = %q, %v, %v; want miss", val, found, err)
		}
	})

	t.Run("error", func(t *testing.T) {
		mock.ExpectGet("bad").SetErr(redis.TxFailedErr)
		if _, _, err := c.Get(ctx, "bad"); err == nil {
			t.Fatal("expected error")
		}
		mock.ExpectSet("bad", []byte("x"), time.Minute).SetErr(redis.TxFailedErr)
		if err := c.Set(ctx, "bad", []byte("x"), time.Minute); err == nil {
			t.Fatal("expected error")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestCachedSourceFillsRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := &countingSource{bars: sampleBars()}
	cs := NewCachedSource(src, &RedisCache{client: db}, 30*time.Minute, "")
	key := cs.Key("BTCUSDT", "1h", 2)
	if key != "rangerun:bars:BTCUSDT:1h:2" {
		t.Fatalf("unexpected key %s", key)
	}
	raw, _ := json.Marshal(sampleBars())

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, raw, 30*time.Minute).SetVal("OK")
	bars, err := cs.FetchBars(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil || len(bars) != 2 {
		t.Fatalf("FetchBars = %v, %v", bars, err)
	}

	mock.ExpectGet(key).SetVal(string(raw))
	bars, err = cs.FetchBars(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
	if !bars[1].Timestamp.Equal(sampleBars()[1].Timestamp) || bars[1].Close != 101.5 {
		t.Errorf("cached bar mismatch: %+v", bars[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("redis expectations not met: %v", err)
	}
}

func TestCachedSourceBypassesBrokenStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	src := &countingSource{bars: sampleBars()}
	cs := NewCachedSource(src, &RedisCache{client: db}, time.Minute, "x:")
	key := cs.Key("ETHUSDT", "15m", 2)

	mock.ExpectGet(key).SetErr(errors.New("connection refused"))
	raw, _ := json.Marshal(sampleBars())
	mock.ExpectSet(key, raw, time.Minute).SetErr(errors.New("connection refused"))

	bars, err := cs.FetchBars(context.Background(), "ETHUSDT", "15m", 2)
	if err != nil || len(bars) != 2 {
		t.Fatalf("FetchBars = %v, %v; store errors must not fail the read", bars, err)
	}
}

func TestCachedSourcePropagatesSourceError(t *testing.T) {
	mem := NewTTLCache(10)
	defer mem.Close()
	src := &countingSource{err: errors.New("venue down")}
	cs := NewCachedSource(src, mem, time.Minute, "")
	if _, err := cs.FetchBars(context.Background(), "BTCUSDT", "1h", 2); err == nil {
		t.Fatal("expected source error")
	}
	if _, ok, _ := mem.Get(context.Background(), cs.Key("BTCUSDT", "1h", 2)); ok {
		t.Error("failed fetch must not be cached")
	}
}

func TestCachedSourceMinLimitBypassesShortWindows(t *testing.T) {
	mem := NewTTLCache(10)
	defer mem.Close()
	src := &countingSource{bars: sampleBars()}
	cs := NewCachedSource(src, mem, time.Minute, "").MinLimit(100)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cs.FetchBars(ctx, "BTCUSDT", "1h", 2); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 for uncached short windows", src.calls)
	}
	if _, ok, _ := mem.Get(ctx, cs.Key("BTCUSDT", "1h", 2)); ok {
		t.Error("short window must not be cached")
	}
	for i := 0; i < 2; i++ {
		if _, err := cs.FetchBars(ctx, "BTCUSDT", "1h", 100); err != nil {
			t.Fatal(err)
		}
	}
	if src.calls != 3 {
		t.Errorf("source calls = %d, want 3 after a cached warm-up window", src.calls)
	}
}

func TestTTLCacheExpiryAndEviction(t *testing.T) {
	c := NewTTLCache(2)
	defer c.Close()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Second)
	_ = c.Set(ctx, "b", []byte("2"), time.Minute)
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Fatal("a should be live")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("a should have expired")
	}

	_ = c.Set(ctx, "c", []byte("3"), time.Minute)
	if s := c.Stats(); s.Evictions != 1 || s.Hits != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
	if _, ok, _ := c.Get(ctx, "b"); !ok {
		t.Error("b should survive eviction of the expired key")
	}
}
