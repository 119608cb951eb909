package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.RecordDecision("rejected")
	c.RecordDecision("rejected")
	c.RecordDecision("accepted")
	c.RecordExecution("unprotected")
	c.RecordSignal("buy")

	assert.Equal(t, 2.0, counterValue(t, c.Decisions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, counterValue(t, c.Decisions.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, counterValue(t, c.Executions.WithLabelValues("unprotected")))
	assert.Equal(t, 1.0, counterValue(t, c.Signals.WithLabelValues("buy")))
}

func TestCollectorBreakerHook(t *testing.T) {
	c := NewCollector()
	c.BreakerHook("klines", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, gaugeValue(t, c.BreakerState.WithLabelValues("klines")))
	c.BreakerHook("klines", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, gaugeValue(t, c.BreakerState.WithLabelValues("klines")))
	c.BreakerHook("klines", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, gaugeValue(t, c.BreakerState.WithLabelValues("klines")))
}

func TestCollectorAsAlarmSink(t *testing.T) {
	c := NewCollector()
	var sink alerts.Sink = c
	require.NoError(t, sink.Send(context.Background(), alerts.Alarm{Kind: alerts.KindUnprotected, Severity: alerts.SeverityCritical}))
	assert.Equal(t, 1.0, counterValue(t, c.Alarms.WithLabelValues("position_unprotected", "critical")))
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector()
	c.SetOpenPositions(2)
	c.ObserveScore(12)
	c.StartStepTimer("score").Stop("ok")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	assert.True(t, strings.Contains(text, "rangerun_open_positions 2"), text)
	assert.Contains(t, text, "rangerun_composite_score_count 1")
	assert.Contains(t, text, `rangerun_step_duration_seconds_count{result="ok",step="score"} 1`)
}
