package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/snarg/asr-gateway/internal/scheduler"
)

type fakeScheduler struct{ stats scheduler.Stats }

func (f fakeScheduler) Stats() scheduler.Stats { return f.stats }

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) error { return f.err }

type fakeBroker bool

func (f fakeBroker) IsConnected() bool { return bool(f) }

type fakeStore string

func (f fakeStore) Type() string { return string(f) }

func serveHealth(t *testing.T, h *HealthHandler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	start := time.Now().Add(-90 * time.Second)

	t.Run("minimal_is_healthy", func(t *testing.T) {
		code, body := serveHealth(t, NewHealthHandler(fakeScheduler{}, nil, nil, nil, "v1.0.0", start))
		if code != http.StatusOK || body.Status != "healthy" {
			t.Errorf("got %d %q, want 200 healthy", code, body.Status)
		}
		want := map[string]string{
			"scheduler":  "ok",
			"database":   "not_configured",
			"mqtt":       "not_configured",
			"recordings": "not_configured",
		}
		for k, v := range want {
			if body.Checks[k] != v {
				t.Errorf("checks[%s] = %q, want %q", k, body.Checks[k], v)
			}
		}
		if body.Version != "v1.0.0" {
			t.Errorf("version = %q", body.Version)
		}
		if body.UptimeSeconds < 90 {
			t.Errorf("uptime = %d, want >= 90", body.UptimeSeconds)
		}
	})

	t.Run("all_backends_ok", func(t *testing.T) {
		code, body := serveHealth(t, NewHealthHandler(fakeScheduler{}, fakeDB{}, fakeBroker(true), fakeStore("s3"), "v", start))
		if code != http.StatusOK || body.Status != "healthy" {
			t.Errorf("got %d %q, want 200 healthy", code, body.Status)
		}
		if body.Checks["database"] != "ok" || body.Checks["mqtt"] != "ok" || body.Checks["recordings"] != "s3" {
			t.Errorf("checks = %v", body.Checks)
		}
	})

	t.Run("mqtt_disconnected_degrades", func(t *testing.T) {
		code, body := serveHealth(t, NewHealthHandler(fakeScheduler{}, nil, fakeBroker(false), nil, "v", start))
		if code != http.StatusOK || body.Status != "degraded" {
			t.Errorf("got %d %q, want 200 degraded", code, body.Status)
		}
		if body.Checks["mqtt"] != "disconnected" {
			t.Errorf("mqtt = %q", body.Checks["mqtt"])
		}
	})

	t.Run("database_error_is_unhealthy", func(t *testing.T) {
		code, body := serveHealth(t, NewHealthHandler(fakeScheduler{}, fakeDB{err: errors.New("down")}, fakeBroker(false), nil, "v", start))
		if code != http.StatusServiceUnavailable || body.Status != "unhealthy" {
			t.Errorf("got %d %q, want 503 unhealthy", code, body.Status)
		}
		if body.Checks["database"] != "error" {
			t.Errorf("database = %q", body.Checks["database"])
		}
	})
}
