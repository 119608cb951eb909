package alerts

import (
	"fmt"
	"net/url"
)

type Config struct {
	Capacity      int    `yaml:"capacity"`   // Default: 256 alarms kept for the monitor
	RedisAddr     string `yaml:"redis_addr"` // empty disables pub/sub
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`
	WebhookURL    string `yaml:"webhook_url"`
}

func DefaultConfig() Config {
	return Config{Capacity: 256, Channel: "rangerun:alarms"}
}

func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("alarm capacity must be positive, got %d", c.Capacity)
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
			return fmt.Errorf("webhook_url %q is not an http(s) URL", c.WebhookURL)
		}
	}
	return nil
}

// Build creates an emitter with the log sink plus every configured sink.
// extra sinks, such as the metrics collector, are appended. The returned func
// closes connections opened here.
func Build(cfg Config, extra ...Sink) (*Emitter, func() error) {
	sinks := []Sink{LogSink{}}
	closeFn := func() error { return nil }
	if cfg.RedisAddr != "" {
		rs, closeRedis := DialRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Channel)
		sinks = append(sinks, rs)
		closeFn = closeRedis
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL))
	}
	sinks = append(sinks, extra...)
	return NewEmitter(cfg.Capacity, sinks...), closeFn
}
