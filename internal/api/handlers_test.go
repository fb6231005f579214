package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snarg/asr-gateway/internal/archive"
	"github.com/snarg/asr-gateway/internal/database"
	"github.com/snarg/asr-gateway/internal/scheduler"
)

type fakeLister struct {
	rows      []database.TranscriptAPI
	err       error
	lastLimit int
}

func (f *fakeLister) ListRecentTranscripts(ctx context.Context, limit int) ([]database.TranscriptAPI, error) {
	f.lastLimit = limit
	return f.rows, f.err
}

func TestTranscriptsHandler(t *testing.T) {
	t.Run("lists_with_limit", func(t *testing.T) {
		db := &fakeLister{rows: []database.TranscriptAPI{{ID: 1, ConnID: "c1", Text: "hello"}}}
		rec := httptest.NewRecorder()
		TranscriptsHandler(db)(rec, httptest.NewRequest("GET", "/api/v1/transcripts?limit=10", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if db.lastLimit != 10 {
			t.Errorf("limit = %d, want 10", db.lastLimit)
		}
		var body struct {
			Transcripts []database.TranscriptAPI `json:"transcripts"`
			Count       int                      `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if body.Count != 1 || body.Transcripts[0].Text != "hello" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("invalid_limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		TranscriptsHandler(&fakeLister{})(rec, httptest.NewRequest("GET", "/api/v1/transcripts?limit=x", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("query_error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		TranscriptsHandler(&fakeLister{err: errors.New("boom")})(rec, httptest.NewRequest("GET", "/api/v1/transcripts", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})

	t.Run("not_configured", func(t *testing.T) {
		rec := httptest.NewRecorder()
		TranscriptsHandler(nil)(rec, httptest.NewRequest("GET", "/api/v1/transcripts", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

type fakeConns int

func (f fakeConns) OpenConnections() int { return int(f) }

type fakeArchiveStats struct{}

func (fakeArchiveStats) Stats() archive.QueueStats { return archive.QueueStats{Pending: 2, Completed: 5} }
func (fakeArchiveStats) Sinks() []string           { return []string{"database"} }

func TestStatsHandler(t *testing.T) {
	t.Run("with_archive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		sched := fakeScheduler{stats: scheduler.Stats{Queued: 1, Active: 2, Decoded: 30}}
		StatsHandler(fakeConns(4), sched, fakeArchiveStats{})(rec, httptest.NewRequest("GET", "/api/v1/stats", nil))

		var body map[string]json.RawMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("JSON decode: %v", err)
		}
		if string(body["connections"]) != "4" {
			t.Errorf("connections = %s, want 4", body["connections"])
		}
		var s scheduler.Stats
		json.Unmarshal(body["scheduler"], &s)
		if s.Active != 2 || s.Decoded != 30 {
			t.Errorf("scheduler = %+v", s)
		}
		var a archiveStatsResponse
		json.Unmarshal(body["archive"], &a)
		if a.Pending != 2 || a.Completed != 5 || len(a.Sinks) != 1 {
			t.Errorf("archive = %+v", a)
		}
	})

	t.Run("without_archive", func(t *testing.T) {
		rec := httptest.NewRecorder()
		StatsHandler(fakeConns(0), fakeScheduler{}, nil)(rec, httptest.NewRequest("GET", "/api/v1/stats", nil))
		var body map[string]json.RawMessage
		json.Unmarshal(rec.Body.Bytes(), &body)
		if _, ok := body["archive"]; ok {
			t.Error("archive should be omitted")
		}
	})
}
