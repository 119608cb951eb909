package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the part of a redis client the RedisSink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes alarms as JSON on a pub/sub channel.
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = "rangerun:alarms"
	}
	return &RedisSink{client: client, channel: channel}
}

// DialRedisSink connects to addr and returns a sink plus a close func.
func DialRedisSink(addr, password string, db int, channel string) (*RedisSink, func() error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewRedisSink(rdb, channel), rdb.Close
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, a Alarm) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", s.channel, err)
	}
	return nil
}

// WebhookSink posts a chat-style embed to a webhook URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Name() string { return "webhook" }

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xE74C3C
	case SeverityWarning:
		return 0xF1C40F
	default:
		return 0x3498DB
	}
}

func (w *WebhookSink) Send(ctx context.Context, a Alarm) error {
	title := string(a.Kind)
	if a.Symbol != "" {
		title += " " + a.Symbol
	}
	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       title,
			"description": a.Message,
			"color":       severityColor(a.Severity),
			"footer":      map[string]string{"text": "RangeRun " + a.ID},
			"timestamp":   a.Time.Format(time.RFC3339),
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
