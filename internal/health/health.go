// Package health backs the gateway's /healthz and /readyz probes.
//
// Liveness is unconditional: a process that answers HTTP is alive. Readiness
// runs every registered [Checker] concurrently and reports 200 only when all
// of them pass, so a gateway behind a load balancer drops out of rotation as
// soon as its database pool or provider registry goes bad.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check. Slow dependencies count as
// down; the probe must answer before the load balancer gives up on it.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe for one gateway dependency.
type Checker struct {
	// Name keys the check in the /readyz response ("database", "providers").
	Name string

	// Check returns nil when the dependency can serve traffic. It must
	// honour ctx, which carries the probe deadline.
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one checker in a /readyz response.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler evaluates the registered checkers. Safe for concurrent use; the
// checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz answers the liveness probe. Always 200.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, Report{Status: "ok"})
}

// Readyz answers the readiness probe: 200 when every checker passes, 503
// otherwise. Checkers run concurrently, each under its own [checkTimeout],
// so one stuck dependency cannot starve the others of probe time.
func (h *Handler) Readyz(c *gin.Context) {
	report := h.Run(c.Request.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Run evaluates all checkers against ctx and returns the aggregate report.
// Exposed separately so operational tooling can reuse the probe logic
// without going through HTTP.
func (h *Handler) Run(ctx context.Context) Report {
	report := Report{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checkers)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, checker := range h.checkers {
		checker := checker
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()

			started := time.Now()
			err := checker.Check(cctx)
			res := CheckResult{
				Status:    "ok",
				LatencyMS: time.Since(started).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			report.Checks[checker.Name] = res
			if err != nil {
				report.Status = "fail"
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report
}
