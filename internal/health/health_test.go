package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	return r
}

func probe(t *testing.T, r *gin.Engine, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	code, body := probe(t, newRouter(New()), "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("body.Status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_AllPass(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(context.Context) error { return nil }},
		Checker{Name: "providers", Check: func(context.Context) error { return nil }},
	)

	code, body := probe(t, newRouter(h), "/readyz")
	if code != http.StatusOK {
		t.Fatalf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("body.Status = %q, want %q", body.Status, "ok")
	}
	for _, name := range []string{"database", "providers"} {
		res, ok := body.Checks[name]
		if !ok {
			t.Fatalf("check %q missing from report", name)
		}
		if res.Status != "ok" || res.Error != "" {
			t.Errorf("check %q = %+v, want ok with no error", name, res)
		}
	}
}

func TestReadyz_OneFailureIs503(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(context.Context) error {
			return errors.New("pool exhausted")
		}},
		Checker{Name: "providers", Check: func(context.Context) error { return nil }},
	)

	code, body := probe(t, newRouter(h), "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("body.Status = %q, want %q", body.Status, "fail")
	}
	if res := body.Checks["database"]; res.Status != "fail" || res.Error != "pool exhausted" {
		t.Errorf("database check = %+v, want fail with error", res)
	}
	// One bad dependency must not mask the healthy one.
	if res := body.Checks["providers"]; res.Status != "ok" {
		t.Errorf("providers check = %+v, want ok", res)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	code, body := probe(t, newRouter(New()), "/readyz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if len(body.Checks) != 0 {
		t.Errorf("body.Checks = %v, want empty", body.Checks)
	}
}

func TestRun_ChecksOverlap(t *testing.T) {
	release := make(chan struct{})
	var running atomic.Int32

	blocker := func(context.Context) error {
		if running.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer check never started")
		}
	}
	h := New(
		Checker{Name: "a", Check: blocker},
		Checker{Name: "b", Check: blocker},
	)

	report := h.Run(context.Background())
	if report.Status != "ok" {
		t.Fatalf("report = %+v, want both checks to overlap and pass", report)
	}
}

func TestRun_CheckSeesDeadline(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline on check context")
		}
		return nil
	}})

	if report := h.Run(context.Background()); report.Status != "ok" {
		t.Fatalf("report = %+v", report)
	}
}
