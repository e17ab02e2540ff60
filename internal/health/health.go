// Package health provides the liveness and readiness endpoints of the
// daemon.
//
//   - /healthz is the liveness probe and always returns 200 OK.
//   - /readyz is the readiness probe. It returns 200 only when the daemon is
//     not draining and every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz once [Handler.SetDraining] was called.
var ErrDraining = errors.New("health: shutting down")

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name is the key of this check in the JSON response, e.g. "transcripts".
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by dependencies that can report their own
// reachability, such as the transcript store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns a [Checker] that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// ConfiguredChecker returns a [Checker] that fails with msg when configured
// reports false. It is used for providers that are optional at startup but
// required to serve voice sessions.
func ConfiguredChecker(name, msg string, configured func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !configured() {
			return errors.New(msg)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	h := &Handler{}
	h.checkers = append(h.checkers, checkers...)
	return h
}

// Add registers another checker.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// SetDraining makes /readyz fail so load balancers stop routing new voice
// sessions while existing ones finish.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout], and
// returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	errs := make([]error, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers)+1)}
	status := http.StatusOK
	fail := func(name string, err error) {
		res.Checks[name] = "fail: " + err.Error()
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	for i, c := range checkers {
		if errs[i] != nil {
			fail(c.Name, errs[i])
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	if h.draining.Load() {
		fail("server", ErrDraining)
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
