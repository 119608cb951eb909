package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/rangerun/internal/domain/market"
)

const DefaultBaseURL = "wss://fstream.binance.com"

type Config struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`   // Default: 10s
	ReadTimeout       time.Duration `yaml:"read_timeout"`        // Default: 90s, the venue pings every 3m
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`     // Default: 1s, doubled per failure
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"` // Default: 30s
	Buffer            int           `yaml:"buffer"`              // Default: 64 closed bars
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       90 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		Buffer:            64,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.BaseURL, "ws://") && !strings.HasPrefix(c.BaseURL, "wss://") {
		return fmt.Errorf("base_url must be a ws:// or wss:// URL, got %q", c.BaseURL)
	}
	if c.ReadTimeout <= 0 || c.ReconnectDelay <= 0 || c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("read_timeout and reconnect delays must be positive with max >= base")
	}
	if c.Buffer < 1 {
		return fmt.Errorf("buffer must be positive, got %d", c.Buffer)
	}
	return nil
}

// ClosedBar is a finished kline pushed by the venue.
type ClosedBar struct {
	Symbol   string
	Interval string
	Bar      market.Bar
}

// KlineStream subscribes to kline updates for a set of symbols and delivers
// only closed bars. Run owns the connection; Bars is closed when Run returns.
type KlineStream struct {
	cfg         Config
	symbols     []string
	interval    string
	dialer      *websocket.Dialer
	out         chan ClosedBar
	onReconnect func()
	reconnects  atomic.Int64
}

type Option func(*KlineStream)

// WithReconnectHook is called after every reconnect, e.g. to count them.
func WithReconnectHook(fn func()) Option {
	return func(s *KlineStream) { s.onReconnect = fn }
}

func NewKlineStream(cfg Config, symbols []string, interval string, opts ...Option) (*KlineStream, error) {
	if len(symbols) == 0 {
		return nil, errors.New("kline stream needs at least one symbol")
	}
	if _, err := market.IntervalDuration(interval); err != nil {
		return nil, err
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	s := &KlineStream{
		cfg:      cfg,
		symbols:  symbols,
		interval: interval,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		out:      make(chan ClosedBar, cfg.Buffer),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Bars returns the channel of closed bars.
func (s *KlineStream) Bars() <-chan ClosedBar { return s.out }

// Reconnects returns how many times the connection was re-established.
func (s *KlineStream) Reconnects() int64 { return s.reconnects.Load() }

// URL builds the single or combined stream endpoint.
func (s *KlineStream) URL() string {
	names := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		names[i] = strings.ToLower(sym) + "@kline_" + s.interval
	}
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	if len(names) == 1 {
		return base + "/ws/" + names[0]
	}
	return base + "/stream?streams=" + strings.Join(names, "/")
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff.
func (s *KlineStream) Run(ctx context.Context) error {
	defer close(s.out)

	delay := s.cfg.ReconnectDelay
	first := true
	for {
		if !first {
			s.reconnects.Add(1)
			if s.onReconnect != nil {
				s.onReconnect()
			}
		}
		first = false

		delivered, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			delay = s.cfg.ReconnectDelay
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("kline stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// session runs one connection; delivered reports whether any message arrived.
func (s *KlineStream) session(ctx context.Context) (delivered bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.URL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial kline stream: %w", err)
	}
	defer conn.Close()
	log.Info().Strs("symbols", s.symbols).Str("interval", s.interval).Msg("kline stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, err
		}
		delivered = true
		if kind != websocket.TextMessage {
			continue
		}
		bar, closed, err := parseKlineEvent(data)
		if err != nil {
			log.Debug().Err(err).Msg("skipping kline message")
			continue
		}
		if !closed {
			continue
		}
		select {
		case s.out <- bar:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

type klineEvent struct {
	Type   string `json:"e"`
	Symbol string `json:"s"`
	Kline  struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

// parseKlineEvent accepts both raw events and combined-stream envelopes.
func parseKlineEvent(data []byte) (ClosedBar, bool, error) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ClosedBar{}, false, err
	}
	if env.Stream != "" && len(env.Data) > 0 {
		data = env.Data
	}

	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClosedBar{}, false, err
	}
	if ev.Type != "kline" {
		return ClosedBar{}, false, fmt.Errorf("unexpected event %q", ev.Type)
	}

	k := ev.Kline
	vals := make([]float64, 5)
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return ClosedBar{}, false, fmt.Errorf("kline field %d: %w", i, err)
		}
		vals[i] = v
	}
	bar := market.Bar{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}
	return ClosedBar{Symbol: ev.Symbol, Interval: k.Interval, Bar: bar}, k.Closed, nil
}
