package execution

import (
	"errors"
	"fmt"
)

// State is a step of the bracket execution.
type State int

const (
	StateIdle State = iota
	StateMarginConfigured
	StateLeverageSet
	StateEntrySubmitted
	StateEntryFilled
	StateStopSubmitted
	StateTargetSubmitted
	StateBracketComplete
	StateFailed      // nothing held, or the entry could not be confirmed
	StateUnprotected // position held with at least one protective leg missing
	StateFlattened   // a leg failed and the position was closed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMarginConfigured:
		return "margin_configured"
	case StateLeverageSet:
		return "leverage_set"
	case StateEntrySubmitted:
		return "entry_submitted"
	case StateEntryFilled:
		return "entry_filled"
	case StateStopSubmitted:
		return "stop_submitted"
	case StateTargetSubmitted:
		return "target_submitted"
	case StateBracketComplete:
		return "bracket_complete"
	case StateFailed:
		return "failed"
	case StateUnprotected:
		return "unprotected"
	case StateFlattened:
		return "flattened"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// transitions lists every legal move. Failed is only reachable before a fill
// is observed; afterwards the machine ends protected, flattened or unprotected.
var transitions = map[State][]State{
	StateIdle:             {StateMarginConfigured, StateFailed},
	StateMarginConfigured: {StateLeverageSet, StateFailed},
	StateLeverageSet:      {StateEntrySubmitted, StateFailed},
	StateEntrySubmitted:   {StateEntryFilled, StateFailed},
	StateEntryFilled:      {StateStopSubmitted, StateUnprotected, StateFlattened},
	StateStopSubmitted:    {StateTargetSubmitted, StateUnprotected, StateFlattened},
	StateTargetSubmitted:  {StateBracketComplete},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind separates failures by what is at risk.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindNothingCommitted: no order filled, safe to walk away.
	KindNothingCommitted
	// KindEntryUnconfirmed: the entry may have filled; the venue could not confirm.
	KindEntryUnconfirmed
	// KindUnprotected: the entry filled and a protective leg failed.
	KindUnprotected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNothingCommitted:
		return "nothing_committed"
	case KindEntryUnconfirmed:
		return "entry_unconfirmed"
	case KindUnprotected:
		return "unprotected"
	default:
		return "unknown"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Error is an order submission failure.
type Error struct {
	Kind  ErrorKind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("execution %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind of an execution error, KindNone otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Leg names one order of the bracket.
type Leg string

const (
	LegEntry   Leg = "entry"
	LegStop    Leg = "stop"
	LegTarget  Leg = "target"
	LegFlatten Leg = "flatten"
)

func (l Leg) code() byte {
	switch l {
	case LegEntry:
		return 'e'
	case LegStop:
		return 's'
	case LegTarget:
		return 't'
	default:
		return 'f'
	}
}
