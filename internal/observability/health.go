package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness requires the ready flag plus every registered dependency probe.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu     sync.RWMutex
	probes map[string]func() error
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		probes:    make(map[string]func() error),
	}
}

// AddProbe registers a named dependency check (database, nats, redis).
func (h *HealthChecker) AddProbe(name string, probe func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// Check runs every probe and returns failures by name.
func (h *HealthChecker) Check() map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]func() error, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.mu.RUnlock()

	failures := make(map[string]string)
	for i, probe := range probes {
		if err := probe(); err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return failures
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether recovery has completed.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once recovery and replay are done and
// every dependency probe passes, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	failures := h.Check()
	if h.ready.Load() && len(failures) == 0 {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "not_ready",
		"recovery": h.ready.Load(),
		"failures": failures,
	})
}
