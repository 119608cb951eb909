package scan

import (
	"fmt"
	"time"

	"github.com/sawpanic/rangerun/internal/execution"
	"github.com/sawpanic/rangerun/internal/gates"
	"github.com/sawpanic/rangerun/internal/score/composite"
	"github.com/sawpanic/rangerun/internal/signals"
	"github.com/sawpanic/rangerun/internal/sizing"
)

// OutcomeKind discriminates what one symbol evaluation produced.
type OutcomeKind int

const (
	OutcomeNoSignal OutcomeKind = iota
	OutcomeRejected
	OutcomeAccepted
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoSignal:
		return "no_signal"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Outcome is the result of evaluating one symbol on one closed bar.
//
//   - NoSignal: nothing to do; Err is set when data or indicators were unusable.
//   - Rejected: a signal failed the gate, the score, or admission; Reason says which.
//   - Accepted: Plan is set; Result is set unless the scan is a dry run.
//   - Failed: execution ended with ErrorKind; Result holds the partial state.
type Outcome struct {
	Kind      OutcomeKind          `json:"kind"`
	Symbol    string               `json:"symbol"`
	BarTime   time.Time            `json:"bar_time"`
	Reason    string               `json:"reason,omitempty"`
	Signal    *signals.Signal      `json:"signal,omitempty"`
	Decision  *gates.Decision      `json:"decision,omitempty"`
	Score     *composite.Score     `json:"score,omitempty"`
	Plan      *sizing.PositionPlan `json:"plan,omitempty"`
	Result    *execution.Result    `json:"result,omitempty"`
	ErrorKind execution.ErrorKind  `json:"error_kind"`
	Err       error                `json:"-"`
	Duration  time.Duration        `json:"duration"`
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeAccepted:
		if o.Plan != nil {
			return fmt.Sprintf("%s accepted %s qty=%g", o.Symbol, o.Plan.Side, o.Plan.Quantity)
		}
	case OutcomeFailed:
		return fmt.Sprintf("%s failed (%s): %v", o.Symbol, o.ErrorKind, o.Err)
	}
	if o.Reason != "" {
		return fmt.Sprintf("%s %s: %s", o.Symbol, o.Kind, o.Reason)
	}
	return fmt.Sprintf("%s %s", o.Symbol, o.Kind)
}

// executed reports whether the evaluation reached the venue with an entry whose
// effect is not known to be nil.
func (o Outcome) executed() bool {
	if o.Result == nil {
		return false
	}
	return o.Result.Kind != execution.KindNothingCommitted
}

// Report summarises one scan pass.
type Report struct {
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	OpenPositions int       `json:"open_positions"`
	Skipped       string    `json:"skipped,omitempty"`
	Outcomes      []Outcome `json:"outcomes"`
	Executed      string    `json:"executed,omitempty"`
}

// Count returns how many outcomes have kind k.
func (r Report) Count(k OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == k {
			n++
		}
	}
	return n
}
