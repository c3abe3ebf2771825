// Package health serves the liveness and readiness probes of the call server.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while the server accepts calls: it is not draining and
// every [Checker] passes. Both return {"status": ..., "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDraining = "draining"
)

// Checker is one named readiness condition. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Ping turns a dependency probe such as pgxpool.Pool.Ping into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// Capacity fails once active() reaches limit, so a full instance stops
// receiving new calls. limit <= 0 means unlimited.
func Capacity(name string, active func() int, limit int) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if n := active(); limit > 0 && n >= limit {
			return fmt.Errorf("at capacity: %d/%d calls", n, limit)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler owns the probe endpoints. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler whose /readyz runs checkers concurrently.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining switches /readyz to 503 "draining" without running checks.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: statusDraining})
		return
	}

	errs := h.run(r.Context())
	res := result{Status: statusOK, Checks: make(map[string]string, len(errs))}
	code := http.StatusOK
	for i, err := range errs {
		name := h.checkers[i].Name
		if err == nil {
			res.Checks[name] = statusOK
			continue
		}
		res.Checks[name] = statusFail + ": " + err.Error()
		res.Status = statusFail
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, res)
}

// run executes every checker and returns their errors in checker order.
func (h *Handler) run(ctx context.Context) []error {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
