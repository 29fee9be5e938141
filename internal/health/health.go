// Package health serves the parley sidecar's probe endpoints.
//
//   - /healthz — liveness; answers 200 whenever the process serves HTTP.
//   - /readyz  — readiness; runs the registered dependency probes (the
//     archive database, for instance) and answers 503 until all pass,
//     which keeps a deployment out of rotation while its backing
//     services are down.
//
// The readiness body reports each probe by name with its outcome and how
// long it took, so a failing deployment can be diagnosed from the probe
// response alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout caps a readiness pass. Probes run concurrently, so this
// bounds the whole /readyz request, not each probe.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the
// dependency can serve the widget and an error describing the failure
// otherwise.
type Checker struct {
	// Name identifies the probe in the JSON response ("archive",
	// "credentials").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Check builds a [Checker] from a name and a probe function.
func Check(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

// checkResult is one probe's outcome in the readiness body.
type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// result is the JSON body for both probe endpoints.
type result struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the probe
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler that runs the given probes on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. A process that can answer it is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every probe concurrently under a shared [checkTimeout]
// deadline and answers 503 unless all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make([]checkResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			cr := checkResult{
				Status:   "ok",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				cr.Status = "fail"
				cr.Error = err.Error()
			}
			results[i] = cr
		}()
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, res)
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", getOnly(h.Healthz))
	mux.HandleFunc("/readyz", getOnly(h.Readyz))
}

// getOnly emulates the "GET /path" ServeMux patterns of Go 1.22+ on the
// Go 1.21 toolchain: GET and HEAD are served, anything else gets 405.
func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
