package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON from %s: %v", path, err)
	}
	return rec, body
}

func TestLiveness(t *testing.T) {
	c := NewChecker()
	rec, body := get(t, c.LivenessHandler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "alive" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker()
	mux := NewMux(c, nil)

	rec, _ := get(t, mux, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	c.SetReady(true)
	rec, _ = get(t, mux, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", rec.Code)
	}

	c.RegisterFunc("store", true, PingCheck("store", func(context.Context) error {
		return errors.New("database is locked")
	}))
	rec, body := get(t, mux, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with failing critical check, got %d", rec.Code)
	}
	if body["status"] != string(StatusUnhealthy) {
		t.Errorf("unexpected status %v", body["status"])
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("nats", false, PingCheck("nats", func(context.Context) error {
		return errors.New("no servers available")
	}))
	c.RegisterFunc("store", true, PingCheck("store", func(context.Context) error { return nil }))

	c.Check(context.Background())
	if s := c.OverallStatus(); s != StatusDegraded {
		t.Errorf("expected degraded, got %s", s)
	}
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	if results["slow"].Status != StatusUnhealthy || results["slow"].Message != "check timed out" {
		t.Errorf("unexpected slow result %+v", results["slow"])
	}
	if results["panics"].Status != StatusUnhealthy || results["panics"].Error != "boom" {
		t.Errorf("unexpected panic result %+v", results["panics"])
	}
}

func TestDirectoryCheck(t *testing.T) {
	dir := t.TempDir()
	if r := DirectoryCheck(dir)(context.Background()); r.Status != StatusHealthy {
		t.Errorf("expected healthy, got %+v", r)
	}

	if r := DirectoryCheck(filepath.Join(dir, "missing"))(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %+v", r)
	}

	locked := filepath.Join(dir, "locked")
	if err := os.Mkdir(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o700) })
	if r := DirectoryCheck(locked)(context.Background()); r.Status != StatusDegraded {
		t.Errorf("expected degraded for quarantined dir, got %+v", r)
	}
}

func TestHeartbeatCheck(t *testing.T) {
	var hb Heartbeat
	check := HeartbeatCheck(&hb, time.Minute)

	if r := check(context.Background()); r.Status != StatusUnknown {
		t.Errorf("expected unknown before first beat, got %s", r.Status)
	}

	hb.Beat(time.Now())
	if r := check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", r.Status)
	}

	hb.Beat(time.Now().Add(-2 * time.Minute))
	if r := check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", r.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("dir", true, DirectoryCheck(t.TempDir()))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	mux := NewMux(c, metrics)

	rec, body := get(t, mux, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	components, ok := body["components"].(map[string]any)
	if !ok || components["dir"] == nil {
		t.Errorf("missing component report: %v", body)
	}

	mrec := httptest.NewRecorder()
	mux.ServeHTTP(mrec, httptest.NewRequest("GET", "/metrics", nil))
	if mrec.Body.String() != "# metrics\n" {
		t.Errorf("metrics handler not mounted")
	}
}
