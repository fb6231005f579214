package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/snarg/asr-gateway/internal/audio"
	"github.com/snarg/asr-gateway/internal/database"
	"github.com/snarg/asr-gateway/internal/storage"
)

// RecordingSink writes the captured audio as a WAV file.
type RecordingSink struct {
	store storage.AudioStore
}

func NewRecordingSink(store storage.AudioStore) *RecordingSink {
	return &RecordingSink{store: store}
}

func (s *RecordingSink) Name() string { return "recordings" }

func (s *RecordingSink) Store(ctx context.Context, r Record) error {
	if len(r.Samples) == 0 {
		return nil
	}
	wav, err := audio.EncodeWAV(r.Samples, r.SampleRate)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, RecordingKey(r), wav, "audio/wav"); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// TranscriptInserter is satisfied by *database.DB.
type TranscriptInserter interface {
	InsertTranscript(ctx context.Context, row *database.TranscriptRow) (int64, error)
}

// TranscriptSink inserts a transcripts row.
type TranscriptSink struct {
	db TranscriptInserter
	// withAudio links rows to RecordingKey when a RecordingSink is also configured.
	withAudio bool
}

func NewTranscriptSink(db TranscriptInserter, withAudio bool) *TranscriptSink {
	return &TranscriptSink{db: db, withAudio: withAudio}
}

func (s *TranscriptSink) Name() string { return "database" }

func (s *TranscriptSink) Store(ctx context.Context, r Record) error {
	row := &database.TranscriptRow{
		ConnID:     r.ConnID,
		RemoteAddr: r.RemoteAddr,
		Segment:    r.Result.Segment,
		Method:     r.Result.Method,
		Text:       r.Result.Text,
		Tokens:     r.Result.Tokens,
		Timestamps: r.Result.Timestamps,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if s.withAudio && len(r.Samples) > 0 {
		row.AudioKey = RecordingKey(r)
	}
	_, err := s.db.InsertTranscript(ctx, row)
	return err
}

// Publisher is satisfied by *mqttclient.Publisher.
type Publisher interface {
	Publish(suffix string, payload []byte) error
}

// PublishSink publishes the transcript as JSON.
type PublishSink struct {
	pub Publisher
}

func NewPublishSink(pub Publisher) *PublishSink {
	return &PublishSink{pub: pub}
}

func (s *PublishSink) Name() string { return "mqtt" }

type transcriptMessage struct {
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Segment    int       `json:"segment"`
	Method     string    `json:"method"`
	Text       string    `json:"text"`
	Tokens     []string  `json:"tokens"`
	Timestamps []float64 `json:"timestamps"`
	DurationS  float64   `json:"audio_seconds"`
}

func (s *PublishSink) Store(ctx context.Context, r Record) error {
	msg := transcriptMessage{
		ConnID:     r.ConnID,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Segment:    r.Result.Segment,
		Method:     r.Result.Method,
		Text:       r.Result.Text,
		Tokens:     r.Result.Tokens,
		Timestamps: r.Result.Timestamps,
	}
	if msg.Tokens == nil {
		msg.Tokens = []string{}
	}
	if msg.Timestamps == nil {
		msg.Timestamps = []float64{}
	}
	if r.SampleRate > 0 {
		msg.DurationS = float64(len(r.Samples)) / float64(r.SampleRate)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return s.pub.Publish("", payload)
}
