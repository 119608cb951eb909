package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Severity orders alarms for operators.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Kind names what happened.
type Kind string

const (
	KindUnprotected      Kind = "position_unprotected"
	KindEntryUnconfirmed Kind = "entry_unconfirmed"
	KindFlattened        Kind = "position_flattened"
	KindUnresolved       Kind = "position_unresolved" // re-raised while an unprotected position stays open
	KindBreakerOpen      Kind = "breaker_open"
)

// Alarm is one operator-facing event. Position alarms carry what is held and
// which protective legs are missing.
type Alarm struct {
	ID             string            `json:"id"`
	Time           time.Time         `json:"time"`
	Severity       Severity          `json:"severity"`
	Kind           Kind              `json:"kind"`
	Symbol         string            `json:"symbol,omitempty"`
	FilledQuantity float64           `json:"filled_quantity,omitempty"`
	MissingLegs    []string          `json:"missing_legs,omitempty"`
	OrderIDs       map[string]string `json:"order_ids,omitempty"`
	Message        string            `json:"message"`
}

// Sink delivers alarms somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alarm) error
}

// Emitter fans alarms out to every sink and keeps the most recent ones.
type Emitter struct {
	sinks   []Sink
	timeout time.Duration

	mu     sync.Mutex
	recent []Alarm
	next   int
	full   bool
}

func NewEmitter(capacity int, sinks ...Sink) *Emitter {
	if capacity <= 0 {
		capacity = 100
	}
	return &Emitter{
		sinks:   sinks,
		timeout: 5 * time.Second,
		recent:  make([]Alarm, capacity),
	}
}

// Emit stamps the alarm and delivers it. A failing sink is logged and never
// stops delivery to the others.
func (e *Emitter) Emit(ctx context.Context, a Alarm) Alarm {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}

	e.mu.Lock()
	e.recent[e.next] = a
	e.next = (e.next + 1) % len(e.recent)
	if e.next == 0 {
		e.full = true
	}
	e.mu.Unlock()

	// Delivery outlives a cancelled scan context.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	for _, s := range e.sinks {
		if err := s.Send(sendCtx, a); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Str("alarm_id", a.ID).Str("kind", string(a.Kind)).Msg("alarm delivery failed")
		}
	}
	return a
}

// Recent returns up to n alarms, newest first.
func (e *Emitter) Recent(n int) []Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()
	size := e.next
	if e.full {
		size = len(e.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Alarm, 0, n)
	for i := 1; i <= n; i++ {
		idx := (e.next - i + len(e.recent)) % len(e.recent)
		out = append(out, e.recent[idx])
	}
	return out
}

// LogSink writes alarms to the global logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, a Alarm) error {
	ev := log.Warn()
	if a.Severity == SeverityCritical {
		ev = log.Error()
	}
	ev = ev.Str("alarm_id", a.ID).Str("kind", string(a.Kind)).Str("symbol", a.Symbol)
	if a.FilledQuantity > 0 {
		ev = ev.Float64("filled_qty", a.FilledQuantity).Strs("missing_legs", a.MissingLegs)
	}
	for leg, id := range a.OrderIDs {
		ev = ev.Str(leg+"_order_id", id)
	}
	ev.Msg(a.Message)
	return nil
}
