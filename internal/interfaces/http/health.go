package http

import (
	"net/http"
	"runtime"
	"sort"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Health handles GET /health. Any failing check answers 503; a warning
// (no scan pass yet) keeps 200 with status degraded.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.deps.Version,
		System:    systemInfo(),
		Checks:    make(map[string]CheckResult),
	}

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		start := time.Now()
		res := CheckResult{Status: "pass"}
		if err := h.deps.Checks[name](r.Context()); err != nil {
			res.Status = "fail"
			res.Message = err.Error()
		}
		res.Duration = time.Since(start)
		resp.Checks[name] = res
	}
	if h.deps.Scanner != nil {
		rep := h.deps.Scanner.LastReport()
		if rep.Finished.IsZero() {
			resp.Checks["scan"] = CheckResult{Status: "warn", Message: "no scan pass yet"}
		} else {
			resp.Checks["scan"] = CheckResult{Status: "pass", Message: "last pass " + rep.Finished.UTC().Format(time.RFC3339)}
		}
	}

	resp.Status = overallStatus(resp.Checks)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func overallStatus(checks map[string]CheckResult) string {
	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail":
			return "unhealthy"
		case "warn":
			status = "degraded"
		}
	}
	return status
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      m.Alloc,
		NumGC:         m.NumGC,
	}
}
