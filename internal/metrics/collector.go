package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
)

// Collector holds the Prometheus metrics of one process.
type Collector struct {
	registry *prometheus.Registry

	StepDuration     *prometheus.HistogramVec
	Signals          *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	Scores           prometheus.Histogram
	Executions       *prometheus.CounterVec
	Alarms           *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	OpenPositions    prometheus.Gauge
	TrackedSymbols   prometheus.Gauge
	StreamReconnects prometheus.Counter
	LastScan         prometheus.Gauge
}

// NewCollector registers every metric on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rangerun_step_duration_seconds",
			Help:    "Duration of each pipeline step in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"step", "result"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangerun_signals_total",
			Help: "Breakout signals detected by direction",
		}, []string{"direction"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangerun_decisions_total",
			Help: "Pipeline outcomes per symbol evaluation",
		}, []string{"outcome"}),
		Scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rangerun_composite_score",
			Help:    "Composite scores of validated signals",
			Buckets: prometheus.LinearBuckets(0, 3, 7),
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangerun_executions_total",
			Help: "Bracket executions by terminal state",
		}, []string{"state"}),
		Alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rangerun_alarms_total",
			Help: "Alarms raised by kind",
		}, []string{"kind", "severity"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rangerun_breaker_state",
			Help: "Circuit breaker state per endpoint group (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangerun_open_positions",
			Help: "Open positions reported by the venue at the last admission check",
		}),
		TrackedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangerun_tracked_symbols",
			Help: "Symbols with warm indicator state",
		}),
		StreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rangerun_stream_reconnects_total",
			Help: "Kline stream reconnects",
		}),
		LastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rangerun_last_scan_timestamp_seconds",
			Help: "Unix time of the last completed scan pass",
		}),
	}
	c.registry.MustRegister(
		c.StepDuration, c.Signals, c.Decisions, c.Scores, c.Executions, c.Alarms,
		c.BreakerState, c.OpenPositions, c.TrackedSymbols, c.StreamReconnects, c.LastScan,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, e.g. for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StepTimer tracks execution time for pipeline steps
type StepTimer struct {
	c     *Collector
	step  string
	start time.Time
}

// StartStepTimer begins timing a pipeline step
func (c *Collector) StartStepTimer(step string) *StepTimer {
	return &StepTimer{c: c, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) {
	d := time.Since(st.start)
	st.c.ObserveStep(st.step, result, d)
	log.Debug().Str("step", st.step).Str("result", result).Dur("duration", d).Msg("pipeline step completed")
}

func (c *Collector) ObserveStep(step, result string, d time.Duration) {
	c.StepDuration.WithLabelValues(step, result).Observe(d.Seconds())
}

func (c *Collector) RecordSignal(direction string) {
	c.Signals.WithLabelValues(direction).Inc()
}

func (c *Collector) RecordDecision(outcome string) {
	c.Decisions.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveScore(total int) {
	c.Scores.Observe(float64(total))
}

func (c *Collector) RecordExecution(state string) {
	c.Executions.WithLabelValues(state).Inc()
}

func (c *Collector) SetOpenPositions(n int) { c.OpenPositions.Set(float64(n)) }

func (c *Collector) SetTrackedSymbols(n int) { c.TrackedSymbols.Set(float64(n)) }

func (c *Collector) RecordStreamReconnect() { c.StreamReconnects.Inc() }

func (c *Collector) MarkScan(t time.Time) { c.LastScan.Set(float64(t.Unix())) }

// BreakerHook reports breaker transitions; pass it to breaker.WithStateHook.
func (c *Collector) BreakerHook(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	c.BreakerState.WithLabelValues(name).Set(v)
}

// Name and Send make the collector an alarm sink that counts alarms.
func (c *Collector) Name() string { return "metrics" }

func (c *Collector) Send(_ context.Context, a alerts.Alarm) error {
	c.Alarms.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
	return nil
}
