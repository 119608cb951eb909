// Package cache keeps recent kline windows so warm-ups and one-shot commands
// do not refetch what another run already pulled.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

// Store is a byte cache with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// BarSource supplies klines.
type BarSource interface {
	FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error)
}

// CachedSource serves FetchBars from a Store and falls through to the venue.
// Store failures are logged and bypassed.
type CachedSource struct {
	source BarSource
	store  Store
	ttl    time.Duration
	prefix string
	// windows shorter than minLimit are always fetched live
	minLimit int
}

func NewCachedSource(source BarSource, store Store, ttl time.Duration, prefix string) *CachedSource {
	if prefix == "" {
		prefix = "rangerun:"
	}
	return &CachedSource{source: source, store: store, ttl: ttl, prefix: prefix}
}

// MinLimit restricts caching to windows of at least n bars. Short
// incremental fetches right after a bar close must not be served from an
// entry written before it.
func (c *CachedSource) MinLimit(n int) *CachedSource {
	c.minLimit = n
	return c
}

// Key is the cache key of one kline window.
func (c *CachedSource) Key(symbol, interval string, limit int) string {
	return fmt.Sprintf("%sbars:%s:%s:%d", c.prefix, symbol, interval, limit)
}

func (c *CachedSource) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]market.Bar, error) {
	if limit < c.minLimit {
		return c.source.FetchBars(ctx, symbol, interval, limit)
	}
	key := c.Key(symbol, interval, limit)
	if raw, ok, err := c.store.Get(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("bar cache read failed")
	} else if ok {
		var bars []market.Bar
		if err := json.Unmarshal(raw, &bars); err == nil {
			return bars, nil
		}
		log.Warn().Str("key", key).Msg("bar cache entry corrupt, refetching")
	}

	bars, err := c.source.FetchBars(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(bars); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("bar cache write failed")
		}
	}
	return bars, nil
}
