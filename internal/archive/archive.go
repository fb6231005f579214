// Package archive hands finalized utterances to optional sinks (MQTT,
// Postgres, WAV recordings) on a bounded worker pool so that the network
// path never waits on them.
package archive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/metrics"
	"github.com/snarg/asr-gateway/internal/recognizer"
)

// Record is one finalized utterance.
type Record struct {
	ConnID     string
	RemoteAddr string
	StartedAt  time.Time
	FinishedAt time.Time
	Result     recognizer.Result
	SampleRate int
	Samples    []float32 // captured client audio, possibly truncated
}

// RecordingKey returns the storage key for r's audio.
// Format: {YYYY-MM-DD}/{conn_id}-{segment}.wav
func RecordingKey(r Record) string {
	return fmt.Sprintf("%s/%s-%d.wav", r.FinishedAt.UTC().Format("2006-01-02"), r.ConnID, r.Result.Segment)
}

// Sink stores or forwards a Record.
type Sink interface {
	Name() string
	Store(ctx context.Context, r Record) error
}

// QueueStats reports the current state of the archive queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// WorkerPoolOptions configures the archive worker pool.
type WorkerPoolOptions struct {
	Sinks     []Sink
	Workers   int
	QueueSize int
	// Timeout bounds each sink call; 0 means 30s.
	Timeout time.Duration
	Log     zerolog.Logger
}

// WorkerPool delivers records to every sink in order.
type WorkerPool struct {
	jobs   chan Record
	opts   WorkerPoolOptions
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a new archive worker pool.
func NewWorkerPool(opts WorkerPoolOptions) *WorkerPool {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:   make(chan Record, opts.QueueSize),
		opts:   opts,
		log:    opts.Log.With().Str("component", "archive").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.log.Info().
		Int("workers", wp.opts.Workers).
		Int("queue_size", wp.opts.QueueSize).
		Strs("sinks", wp.Sinks()).
		Msg("archive worker pool started")
}

// Stop signals workers to drain and waits for completion.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.cancel()
	wp.log.Info().
		Int64("completed", wp.completed.Load()).
		Int64("failed", wp.failed.Load()).
		Msg("archive worker pool stopped")
}

// Submit adds a record to the queue. Returns false if the queue is full or
// the pool is stopped.
func (wp *WorkerPool) Submit(r Record) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobs <- r:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (wp *WorkerPool) Stats() QueueStats {
	return QueueStats{
		Pending:   len(wp.jobs),
		Completed: wp.completed.Load(),
		Failed:    wp.failed.Load(),
	}
}

// Pending returns the number of queued records.
func (wp *WorkerPool) Pending() int { return len(wp.jobs) }

// Sinks returns the configured sink names.
func (wp *WorkerPool) Sinks() []string {
	names := make([]string, len(wp.opts.Sinks))
	for i, s := range wp.opts.Sinks {
		names[i] = s.Name()
	}
	return names
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for r := range wp.jobs {
		if err := wp.process(log, r); err != nil {
			wp.failed.Add(1)
		} else {
			wp.completed.Add(1)
		}
	}
}

// process runs every sink even if an earlier one failed and returns the
// first error.
func (wp *WorkerPool) process(log zerolog.Logger, r Record) error {
	var firstErr error
	for _, s := range wp.opts.Sinks {
		ctx, cancel := context.WithTimeout(wp.ctx, wp.opts.Timeout)
		err := s.Store(ctx, r)
		cancel()
		if err != nil {
			metrics.ArchiveRecordsTotal.WithLabelValues(s.Name(), "error").Inc()
			log.Warn().Err(err).
				Str("sink", s.Name()).
				Str("conn_id", r.ConnID).
				Int("segment", r.Result.Segment).
				Msg("archive sink failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.ArchiveRecordsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	if firstErr == nil {
		log.Debug().
			Str("conn_id", r.ConnID).
			Int("segment", r.Result.Segment).
			Int("samples", len(r.Samples)).
			Msg("utterance archived")
	}
	return firstErr
}
