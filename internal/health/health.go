// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every [Checker] concurrently and answers 200 only when all of them pass and
// the server is not draining; otherwise 503. Both reply with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each readiness check.
const DefaultTimeout = 5 * time.Second

// Report statuses.
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the body of both probes.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// CheckResult is one checker's outcome. Reports list them by name.
type CheckResult struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout replaces [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves the probes. Its checkers are fixed at construction; draining
// can be toggled at any time.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// New returns a Handler running checkers on each readiness probe.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: slices.Clone(checkers), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDraining marks the server as shutting down. A draining server fails
// readiness so no new sessions are routed to it.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, Report{Status: StatusOK})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, h.Ready(r.Context()))
	})
}

// Ready runs every checker and summarises them.
func (h *Handler) Ready(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = h.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	if h.draining.Load() {
		results = append(results, CheckResult{Name: "server", Status: StatusFail, Error: "draining"})
	}
	slices.SortFunc(results, func(a, b CheckResult) int { return strings.Compare(a.Name, b.Name) })

	rep := Report{Status: StatusOK, Checks: results}
	if slices.ContainsFunc(results, func(r CheckResult) bool { return r.Status != StatusOK }) {
		rep.Status = StatusFail
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{
		Name:      c.Name,
		Status:    StatusOK,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status, res.Error = StatusFail, err.Error()
	}
	return res
}

func writeReport(w http.ResponseWriter, rep Report) {
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
