// Package sqldb implements the journal on PostgreSQL or SQLite through sqlx.
package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/rangerun/internal/persistence"
)

// Store implements persistence.Journal.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

var _ persistence.Journal = (*Store)(nil)

func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, timeout: timeout, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) idColumn() string {
	if s.db.DriverName() == "postgres" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate creates the journal tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id ` + s.idColumn() + `,
			bar_time TIMESTAMP NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL,
			regime TEXT NOT NULL,
			score INTEGER,
			eligible BOOLEAN NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (symbol, bar_time)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id ` + s.idColumn() + `,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			state TEXT NOT NULL,
			kind TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			filled_quantity DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION NOT NULL,
			target_price DOUBLE PRECISION NOT NULL,
			entry_order_id TEXT NOT NULL,
			stop_order_id TEXT NOT NULL,
			target_order_id TEXT NOT NULL,
			flatten_order_id TEXT NOT NULL,
			missing_legs TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_state_idx ON executions (state)`,
		`CREATE INDEX IF NOT EXISTS executions_symbol_idx ON executions (symbol, id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) RecordDecision(ctx context.Context, d *persistence.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	query := s.db.Rebind(`
		INSERT INTO decisions (bar_time, symbol, direction, outcome, reason, regime, score, eligible, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		d.BarTime.UTC(), d.Symbol, d.Direction, d.Outcome, d.Reason, d.Regime,
		d.Score, d.Eligible, d.Price, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("decision %s@%s: %w", d.Symbol, d.BarTime.Format(time.RFC3339), persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *Store) RecordExecution(ctx context.Context, e *persistence.Execution) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	query := s.db.Rebind(`
		INSERT INTO executions (symbol, side, state, kind, quantity, filled_quantity, entry_price, stop_price,
			target_price, entry_order_id, stop_order_id, target_order_id, flatten_order_id, missing_legs, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		e.Symbol, e.Side, e.State, e.Kind, e.Quantity, e.FilledQuantity, e.EntryPrice, e.StopPrice,
		e.TargetPrice, e.EntryOrderID, e.StopOrderID, e.TargetOrderID, e.FlattenOrderID, e.MissingLegs,
		e.Error, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

const decisionColumns = `id, bar_time, symbol, direction, outcome, reason, regime, score, eligible, price, created_at`

func (s *Store) Decisions(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.Decision, error) {
	if !tr.Valid() {
		return nil, fmt.Errorf("invalid time range %s..%s", tr.From, tr.To)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	where := []string{"bar_time >= ?", "bar_time <= ?"}
	args := []interface{}{tr.From.UTC(), tr.To.UTC()}
	if symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, symbol)
	}
	args = append(args, limit)
	query := s.db.Rebind(`SELECT ` + decisionColumns + ` FROM decisions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY bar_time DESC LIMIT ?`)

	var out []persistence.Decision
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	return out, nil
}

const executionColumns = `id, symbol, side, state, kind, quantity, filled_quantity, entry_price, stop_price, target_price,
	entry_order_id, stop_order_id, target_order_id, flatten_order_id, missing_legs, error, created_at`

func (s *Store) Executions(ctx context.Context, limit int) ([]persistence.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out []persistence.Execution
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM executions ORDER BY id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	return out, nil
}

// Unresolved skips records followed by any later execution on the same
// symbol: admission only runs for symbols without an open position, so the
// earlier one was flat by then.
func (s *Store) Unresolved(ctx context.Context, limit int) ([]persistence.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out []persistence.Execution
	query := s.db.Rebind(`SELECT ` + executionColumns + ` FROM executions e
		WHERE (e.state = ? OR e.kind = ?)
		AND NOT EXISTS (SELECT 1 FROM executions later WHERE later.symbol = e.symbol AND later.id > e.id)
		ORDER BY e.id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, "unprotected", "entry_unconfirmed", limit); err != nil {
		return nil, fmt.Errorf("failed to query unresolved executions: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
