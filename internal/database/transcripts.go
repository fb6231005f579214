package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TranscriptRow is the input for inserting a finalized transcript.
type TranscriptRow struct {
	ConnID     string
	RemoteAddr string
	Segment    int
	Method     string
	Text       string
	Tokens     []string
	Timestamps []float64
	StartedAt  time.Time
	FinishedAt time.Time
	AudioKey   string // empty when no recording was stored
}

// TranscriptAPI is the transcript representation for API responses.
type TranscriptAPI struct {
	ID         int64           `json:"id"`
	ConnID     string          `json:"conn_id"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Segment    int             `json:"segment"`
	Method     string          `json:"method"`
	Text       string          `json:"text"`
	Tokens     json.RawMessage `json:"tokens"`
	Timestamps json.RawMessage `json:"timestamps"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	AudioKey   *string         `json:"audio_key,omitempty"`
}

// InsertTranscript stores a transcript and returns its ID.
func (db *DB) InsertTranscript(ctx context.Context, row *TranscriptRow) (int64, error) {
	tokens := row.Tokens
	if tokens == nil {
		tokens = []string{}
	}
	timestamps := row.Timestamps
	if timestamps == nil {
		timestamps = []float64{}
	}
	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return 0, fmt.Errorf("marshal tokens: %w", err)
	}
	tsJSON, err := json.Marshal(timestamps)
	if err != nil {
		return 0, fmt.Errorf("marshal timestamps: %w", err)
	}

	var audioKey *string
	if row.AudioKey != "" {
		audioKey = &row.AudioKey
	}

	var id int64
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO transcripts (conn_id, remote_addr, segment, method, text, tokens, timestamps, started_at, finished_at, audio_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		row.ConnID, row.RemoteAddr, row.Segment, row.Method, row.Text,
		tokensJSON, tsJSON, row.StartedAt, row.FinishedAt, audioKey,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transcript: %w", err)
	}
	return id, nil
}

// ListRecentTranscripts returns up to limit transcripts, newest first.
func (db *DB) ListRecentTranscripts(ctx context.Context, limit int) ([]TranscriptAPI, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, conn_id, remote_addr, segment, method, text, tokens, timestamps, started_at, finished_at, audio_key
		FROM transcripts
		ORDER BY finished_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()

	out := []TranscriptAPI{}
	for rows.Next() {
		var t TranscriptAPI
		if err := rows.Scan(&t.ID, &t.ConnID, &t.RemoteAddr, &t.Segment, &t.Method, &t.Text,
			&t.Tokens, &t.Timestamps, &t.StartedAt, &t.FinishedAt, &t.AudioKey); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
