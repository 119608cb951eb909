package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sawpanic/rangerun/internal/exchange"
	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	"github.com/sawpanic/rangerun/internal/persistence"
)

// AlarmEmitter is satisfied by alerts.Emitter.
type AlarmEmitter interface {
	Emit(ctx context.Context, a alerts.Alarm) alerts.Alarm
}

// Reconciler re-raises alarms for journaled executions that ended
// unprotected or unconfirmed while the venue still shows the position open.
// Once the position is gone the record is left alone.
type Reconciler struct {
	journal   persistence.Journal
	positions PositionSource
	alarms    AlarmEmitter
	metrics   Recorder
	lookback  int
	log       zerolog.Logger
}

func NewReconciler(journal persistence.Journal, positions PositionSource, alarms AlarmEmitter, metrics Recorder, logger zerolog.Logger) *Reconciler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Reconciler{
		journal:   journal,
		positions: positions,
		alarms:    alarms,
		metrics:   metrics,
		lookback:  50,
		log:       logger.With().Str("component", "reconcile").Logger(),
	}
}

// Run checks the newest unresolved execution per symbol and returns the
// symbols it raised alarms for.
func (r *Reconciler) Run(ctx context.Context) ([]string, error) {
	positions, err := r.positions.FetchOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}
	r.metrics.SetOpenPositions(exchange.CountOpen(positions))
	held := make(map[string]exchange.Position, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			held[p.Symbol] = p
		}
	}

	records, err := r.journal.Unresolved(ctx, r.lookback)
	if err != nil {
		return nil, fmt.Errorf("reconcile journal: %w", err)
	}
	var raised []string
	seen := make(map[string]bool)
	for _, rec := range records {
		if seen[rec.Symbol] {
			continue
		}
		seen[rec.Symbol] = true
		pos, open := held[rec.Symbol]
		if !open {
			r.log.Debug().Str("symbol", rec.Symbol).Str("state", rec.State).Msg("unresolved execution no longer held")
			continue
		}
		r.alarms.Emit(ctx, alerts.Alarm{
			Severity:       alerts.SeverityCritical,
			Kind:           alerts.KindUnresolved,
			Symbol:         rec.Symbol,
			FilledQuantity: pos.Quantity,
			MissingLegs:    splitLegs(rec.MissingLegs),
			OrderIDs:       recordOrderIDs(rec),
			Message:        fmt.Sprintf("position still open after %s execution at %s", rec.State, rec.CreatedAt.UTC().Format("2006-01-02 15:04")),
		})
		raised = append(raised, rec.Symbol)
	}
	if len(raised) > 0 {
		r.log.Warn().Strs("symbols", raised).Msg("unresolved positions still open")
	}
	return raised, nil
}

func splitLegs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func recordOrderIDs(rec persistence.Execution) map[string]string {
	out := make(map[string]string)
	for leg, id := range map[string]string{
		"entry":   rec.EntryOrderID,
		"stop":    rec.StopOrderID,
		"target":  rec.TargetOrderID,
		"flatten": rec.FlattenOrderID,
	} {
		if id != "" {
			out[leg] = id
		}
	}
	return out
}
