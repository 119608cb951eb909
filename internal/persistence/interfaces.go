package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when a record with the same natural key exists.
var ErrDuplicate = errors.New("duplicate record")

// TimeRange is a closed time window for queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether the window is well ordered.
func (tr TimeRange) Valid() bool {
	return !tr.To.Before(tr.From)
}

// Decision is one evaluated signal and what the pipeline made of it.
type Decision struct {
	ID        int64     `json:"id" db:"id"`
	BarTime   time.Time `json:"bar_time" db:"bar_time"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Direction string    `json:"direction" db:"direction"`
	Outcome   string    `json:"outcome" db:"outcome"` // no_signal, rejected, accepted, failed
	Reason    string    `json:"reason" db:"reason"`
	Regime    string    `json:"regime" db:"regime"`
	Score     *int      `json:"score,omitempty" db:"score"`
	Eligible  bool      `json:"eligible" db:"eligible"`
	Price     float64   `json:"price" db:"price"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Execution is the terminal result of one bracket execution.
type Execution struct {
	ID             int64     `json:"id" db:"id"`
	Symbol         string    `json:"symbol" db:"symbol"`
	Side           string    `json:"side" db:"side"`
	State          string    `json:"state" db:"state"`
	Kind           string    `json:"kind" db:"kind"`
	Quantity       float64   `json:"quantity" db:"quantity"`
	FilledQuantity float64   `json:"filled_quantity" db:"filled_quantity"`
	EntryPrice     float64   `json:"entry_price" db:"entry_price"`
	StopPrice      float64   `json:"stop_price" db:"stop_price"`
	TargetPrice    float64   `json:"target_price" db:"target_price"`
	EntryOrderID   string    `json:"entry_order_id" db:"entry_order_id"`
	StopOrderID    string    `json:"stop_order_id" db:"stop_order_id"`
	TargetOrderID  string    `json:"target_order_id" db:"target_order_id"`
	FlattenOrderID string    `json:"flatten_order_id" db:"flatten_order_id"`
	MissingLegs    string    `json:"missing_legs" db:"missing_legs"` // comma separated
	Error          string    `json:"error" db:"error"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Journal records what the bot decided and did.
type Journal interface {
	// RecordDecision stores a decision; ErrDuplicate for a repeated symbol/bar.
	RecordDecision(ctx context.Context, d *Decision) error

	// RecordExecution stores an execution result.
	RecordExecution(ctx context.Context, e *Execution) error

	// Decisions lists decisions for symbol (all symbols if empty), newest first.
	Decisions(ctx context.Context, symbol string, tr TimeRange, limit int) ([]Decision, error)

	// Executions lists executions newest first.
	Executions(ctx context.Context, limit int) ([]Execution, error)

	// Unresolved lists executions that ended unprotected or unconfirmed and
	// were not followed by a later execution on the same symbol.
	Unresolved(ctx context.Context, limit int) ([]Execution, error)

	Ping(ctx context.Context) error
	Close() error
}

// Nop discards everything. It is used when no journal is configured.
type Nop struct{}

func (Nop) RecordDecision(context.Context, *Decision) error { return nil }
func (Nop) RecordExecution(context.Context, *Execution) error { return nil }
func (Nop) Decisions(context.Context, string, TimeRange, int) ([]Decision, error) {
	return nil, nil
}
func (Nop) Executions(context.Context, int) ([]Execution, error) { return nil, nil }
func (Nop) Unresolved(context.Context, int) ([]Execution, error) { return nil, nil }
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Close() error { return nil }
