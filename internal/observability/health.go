package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthChecker serves /healthz (liveness) and /readyz (readiness).
// Readiness requires SetReady(true), set once recovery has finished, and
// every registered check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		timeout:   2 * time.Second,
		checks:    make(map[string]Check),
	}
}

// AddCheck registers a named readiness check, replacing any of the same name.
func (h *HealthChecker) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Probe runs every check and returns the failures by name.
func (h *HealthChecker) Probe(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]Check, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	failed := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

// LivenessHandler returns 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 when ready and all checks pass, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "recovering",
		})
		return
	}
	if failed := h.Probe(r.Context()); len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
