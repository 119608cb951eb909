package output

import (
	"bytes"
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/rangerun/internal/domain/market"
	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/sizing"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func referencePlan(t *testing.T) sizing.PositionPlan {
	t.Helper()
	s, err := sizing.NewSizer(sizing.DefaultConfig())
	require.NoError(t, err)
	p, err := s.Plan("BTCUSDT", market.SideLong, 50000)
	require.NoError(t, err)
	return p
}

func TestWritePlan(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePlan(&buf, referencePlan(t)))
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT LONG  x10")
	assert.Contains(t, out, "stop      49500  -1.00%  (-10.00% leveraged)")
	assert.Contains(t, out, "target    50750  +1.50%  (+15.00% leveraged)")
	assert.Contains(t, out, "quantity  0.0002")
	assert.Contains(t, out, "r:r 1.50")
}

func TestWriteReport(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC)
	plan := referencePlan(t)
	rep := scan.Report{
		Started:  start,
		Finished: start.Add(1500 * time.Millisecond),
		Outcomes: []scan.Outcome{
			{Kind: scan.OutcomeNoSignal, Symbol: "ETHUSDT"},
			{Kind: scan.OutcomeAccepted, Symbol: "BTCUSDT", BarTime: start.Add(-5 * time.Second),
				Score: &composite.Score{Total: 14}, Plan: &plan},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, rep))
	out := buf.String()
	assert.Contains(t, out, "BTCUSDT      accepted   2024-05-01 12:00     score 14")
	assert.Contains(t, out, "entry     50000")
	assert.Contains(t, out, "pass: 1 accepted, 0 rejected, 0 failed, 1 no signal in 1.5s")

	buf.Reset()
	require.NoError(t, WriteReport(&buf, scan.Report{Skipped: "max open positions reached (3/3)", OpenPositions: 3}))
	assert.Equal(t, "skipped: max open positions reached (3/3) (3 open)\n", buf.String())
}

func TestWriteOutcomesCSV(t *testing.T) {
	plan := referencePlan(t)
	outs := []scan.Outcome{
		{Kind: scan.OutcomeFailed, Symbol: "BTCUSDT", Plan: &plan, Reason: "unprotected",
			Result: &execution.Result{State: execution.StateUnprotected}},
		{Kind: scan.OutcomeNoSignal, Symbol: "ETHUSDT"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteOutcomesCSV(&buf, outs))
	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Symbol", rows[0][0])
	assert.Equal(t, []string{"BTCUSDT", "-", "failed", "", "", "", "50000", "49500", "50750", "0.0002", "unprotected", "unprotected"}, rows[1])
	assert.Equal(t, "no_signal", rows[2][2])
}
