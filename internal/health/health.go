// Package health provides the gateway's liveness and readiness handlers.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK together with the
//     process uptime and, if a [Gauge] is set, the number of connected
//     devices.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass. Checks run concurrently.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is ready and an error describing the problem otherwise.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "providers",
	// "capacity").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Gauge reports a live count for the liveness response.
type Gauge func() int

// result is the JSON response body for health endpoints.
type result struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime,omitempty"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
	sessions Gauge
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: slices.Clone(checkers),
		started:  time.Now(),
	}
}

// WithSessions makes /healthz report g as the number of connected devices.
func (h *Handler) WithSessions(g Gauge) *Handler {
	h.sessions = g
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.sessions != nil {
		n := h.sessions()
		res.Sessions = &n
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ProvidersChecker fails while any pipeline stage in configured is false.
// Keys are stage names such as "stt" or "vad".
func ProvidersChecker(configured map[string]bool) Checker {
	var missing []string
	for stage, ok := range configured {
		if !ok {
			missing = append(missing, stage)
		}
	}
	slices.Sort(missing)
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(missing) > 0 {
				return fmt.Errorf("not configured: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// CapacityChecker wraps a session-limit probe such as the gateway's
// CheckCapacity.
func CapacityChecker(check func(context.Context) error) Checker {
	return Checker{Name: "capacity", Check: check}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
