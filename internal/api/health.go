package api

import (
	"context"
	"net/http"
	"time"

	"github.com/snarg/asr-gateway/internal/scheduler"
)

// SchedulerStats is satisfied by *scheduler.Scheduler.
type SchedulerStats interface {
	Stats() scheduler.Stats
}

// DatabaseChecker is satisfied by *database.DB.
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus is satisfied by *mqttclient.Publisher.
type BrokerStatus interface {
	IsConnected() bool
}

// RecordingStore is satisfied by the storage.AudioStore implementations.
type RecordingStore interface {
	Type() string
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler reports liveness of the gateway and its optional backends.
// Nil dependencies are reported as not_configured.
type HealthHandler struct {
	sched      SchedulerStats
	db         DatabaseChecker
	mqtt       BrokerStatus
	recordings RecordingStore
	version    string
	startTime  time.Time
}

func NewHealthHandler(sched SchedulerStats, db DatabaseChecker, mqtt BrokerStatus, recordings RecordingStore, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		sched:      sched,
		db:         db,
		mqtt:       mqtt,
		recordings: recordings,
		version:    version,
		startTime:  startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.sched != nil {
		checks["scheduler"] = "ok"
	} else {
		checks["scheduler"] = "not_configured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// The database is optional, but once configured the transcript archive
	// depends on it.
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.recordings != nil {
		checks["recordings"] = h.recordings.Type()
	} else {
		checks["recordings"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
