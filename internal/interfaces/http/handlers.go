package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/rangerun/internal/domain/indicators"
	"github.com/sawpanic/rangerun/internal/interfaces/alerts"
	"github.com/sawpanic/rangerun/internal/persistence"
	"github.com/sawpanic/rangerun/internal/scan"
	"github.com/sawpanic/rangerun/internal/scheduler"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// SnapshotSource is satisfied by scan.Registry.
type SnapshotSource interface {
	Snapshot(symbol string) (indicators.Snapshot, bool)
	Symbols() []string
}

// ReportSource is satisfied by scan.Scanner.
type ReportSource interface {
	LastReport() scan.Report
}

// AlarmSource is satisfied by alerts.Emitter.
type AlarmSource interface {
	Recent(n int) []alerts.Alarm
}

// JobSource is satisfied by scheduler.Scheduler.
type JobSource interface {
	Status() []scheduler.JobStatus
}

// Check is a named readiness probe for /health.
type Check func(ctx context.Context) error

// Deps are the read models the monitor exposes. Nil members disable their
// endpoints' data; the routes still answer.
type Deps struct {
	Registry SnapshotSource
	Scanner  ReportSource
	Journal  persistence.Journal
	Alarms   AlarmSource
	Jobs     JobSource
	Metrics  http.Handler
	Checks   map[string]Check
	Version  string
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	deps    Deps
	started time.Time
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Journal == nil {
		deps.Journal = persistence.Nop{}
	}
	return &Handlers{deps: deps, started: time.Now()}
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// limit reads ?limit=, bounded to maxLimit.
func limit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// Symbols handles GET /symbols: every symbol with a warm indicator state.
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Symbol    string    `json:"symbol"`
		Timestamp time.Time `json:"last_bar"`
		Bars      int       `json:"bars"`
		Close     float64   `json:"close"`
		Trend     string    `json:"trend"`
	}
	out := []entry{}
	if h.deps.Registry != nil {
		for _, sym := range h.deps.Registry.Symbols() {
			snap, ok := h.deps.Registry.Snapshot(sym)
			if !ok {
				continue
			}
			out = append(out, entry{
				Symbol:    sym,
				Timestamp: snap.Timestamp,
				Bars:      snap.Bars,
				Close:     snap.Close,
				Trend:     snap.Breakout.Trend.String(),
			})
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// State handles GET /state/{symbol}.
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if h.deps.Registry == nil {
		h.writeError(w, r, http.StatusNotFound, "symbol_not_tracked", symbol+" is not tracked")
		return
	}
	snap, ok := h.deps.Registry.Snapshot(symbol)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, "symbol_not_tracked", symbol+" is not tracked")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// LastScan handles GET /scan/last.
func (h *Handlers) LastScan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scanner == nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "scanner_unavailable", "no scanner attached")
		return
	}
	rep := h.deps.Scanner.LastReport()
	if rep.Started.IsZero() {
		h.writeError(w, r, http.StatusNotFound, "no_scan_yet", "no scan pass has completed")
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// Decisions handles GET /decisions?symbol=&since=&limit=.
func (h *Handlers) Decisions(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(r)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	tr := persistence.TimeRange{From: time.Now().Add(-24 * time.Hour), To: time.Now()}
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_since", "since must be a positive duration, e.g. 6h")
			return
		}
		tr.From = tr.To.Add(-d)
	}
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	out, err := h.deps.Journal.Decisions(r.Context(), symbol, tr, n)
	if err != nil {
		h.journalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(out))
}

// Executions handles GET /executions?limit=.
func (h *Handlers) Executions(w http.ResponseWriter, r *http.Request) {
	h.executions(w, r, h.deps.Journal.Executions)
}

// Unresolved handles GET /unresolved: executions left unprotected or unconfirmed.
func (h *Handlers) Unresolved(w http.ResponseWriter, r *http.Request) {
	h.executions(w, r, h.deps.Journal.Unresolved)
}

func (h *Handlers) executions(w http.ResponseWriter, r *http.Request, list func(context.Context, int) ([]persistence.Execution, error)) {
	n, ok := limit(r)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	out, err := list(r.Context(), n)
	if err != nil {
		h.journalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handlers) journalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("journal query failed")
	h.writeError(w, r, http.StatusServiceUnavailable, "journal_unavailable", "journal query failed")
}

// Alarms handles GET /alarms?limit=, newest first.
func (h *Handlers) Alarms(w http.ResponseWriter, r *http.Request) {
	n, ok := limit(r)
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	out := []alerts.Alarm{}
	if h.deps.Alarms != nil {
		out = nonNil(h.deps.Alarms.Recent(n))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Jobs handles GET /jobs.
func (h *Handlers) Jobs(w http.ResponseWriter, r *http.Request) {
	out := []scheduler.JobStatus{}
	if h.deps.Jobs != nil {
		out = nonNil(h.deps.Jobs.Status())
	}
	h.writeJSON(w, http.StatusOK, out)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
