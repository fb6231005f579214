package api

import (
	"context"
	"net/http"

	"github.com/snarg/asr-gateway/internal/archive"
	"github.com/snarg/asr-gateway/internal/database"
	"github.com/snarg/asr-gateway/internal/scheduler"
)

// TranscriptLister is satisfied by *database.DB.
type TranscriptLister interface {
	ListRecentTranscripts(ctx context.Context, limit int) ([]database.TranscriptAPI, error)
}

// ConnectionCounter is satisfied by *gateway.Gateway.
type ConnectionCounter interface {
	OpenConnections() int
}

// ArchiveStats is satisfied by *archive.WorkerPool.
type ArchiveStats interface {
	Stats() archive.QueueStats
	Sinks() []string
}

const (
	defaultTranscriptLimit = 50
	maxTranscriptLimit     = 500
)

// TranscriptsHandler serves GET /api/v1/transcripts?limit=N, newest first.
func TranscriptsHandler(db TranscriptLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			WriteError(w, http.StatusServiceUnavailable, "transcript archive not configured")
			return
		}
		limit, err := ParseLimit(r, defaultTranscriptLimit, maxTranscriptLimit)
		if err != nil {
			WriteErrorDetail(w, http.StatusBadRequest, "invalid query", err.Error())
			return
		}
		rows, err := db.ListRecentTranscripts(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list transcripts")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"transcripts": rows,
			"count":       len(rows),
		})
	}
}

type archiveStatsResponse struct {
	archive.QueueStats
	Sinks []string `json:"sinks"`
}

type statsResponse struct {
	Connections int                   `json:"connections"`
	Scheduler   scheduler.Stats       `json:"scheduler"`
	Archive     *archiveStatsResponse `json:"archive,omitempty"`
}

// StatsHandler serves GET /api/v1/stats.
func StatsHandler(conns ConnectionCounter, sched SchedulerStats, arch ArchiveStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse
		if conns != nil {
			resp.Connections = conns.OpenConnections()
		}
		if sched != nil {
			resp.Scheduler = sched.Stats()
		}
		if arch != nil {
			resp.Archive = &archiveStatsResponse{QueueStats: arch.Stats(), Sinks: arch.Sinks()}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
