// Package scheduler drives decode passes for streams that have buffered audio.
//
// A stream is in the active set from the moment it is enqueued until a pass
// finds it no longer ready. While active it is decoded by at most one worker
// at a time and appears in the queue at most once, so enqueueing is
// idempotent. Results and the end-of-stream marker are delivered through the
// network poster keyed by connection, which keeps them in decode order.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/executor"
	"github.com/snarg/asr-gateway/internal/metrics"
	"github.com/snarg/asr-gateway/internal/recognizer"
	"github.com/snarg/asr-gateway/internal/registry"
)

// Sender delivers scheduler output to a connection. Both methods run on the
// network poster's lane for id.
type Sender interface {
	SendResult(id registry.ConnID, result recognizer.Result)
	SendDone(id registry.ConnID)
}

// Liveness reports whether a connection is still registered.
type Liveness interface {
	Contains(id registry.ConnID) bool
}

// Options configures a Scheduler.
type Options struct {
	Recognizer recognizer.Recognizer
	Registry   Liveness
	Compute    executor.Poster
	Network    executor.KeyedPoster
	Sender     Sender
	Log        zerolog.Logger
}

// Task is one queued decode pass.
type Task struct {
	ID     registry.ConnID
	Handle *registry.Handle
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Decoded   int64 `json:"decoded"`
	Failed    int64 `json:"failed"`
	// Finalized counts Done notifications posted to live connections.
	Finalized int64 `json:"finalized"`
}

type Scheduler struct {
	rec     recognizer.Recognizer
	reg     Liveness
	compute executor.Poster
	network executor.KeyedPoster
	sender  Sender
	log     zerolog.Logger

	mu     sync.Mutex
	queue  []Task
	active map[*registry.Handle]struct{}

	decoded   int64
	failed    int64
	finalized int64
}

func New(opts Options) *Scheduler {
	return &Scheduler{
		rec:     opts.Recognizer,
		reg:     opts.Registry,
		compute: opts.Compute,
		network: opts.Network,
		sender:  opts.Sender,
		log:     opts.Log.With().Str("component", "scheduler").Logger(),
		active:  make(map[*registry.Handle]struct{}),
	}
}

// Enqueue schedules a decode pass for h unless it is already active. It
// reports whether a pass was scheduled.
func (s *Scheduler) Enqueue(id registry.ConnID, h *registry.Handle) bool {
	s.mu.Lock()
	if _, ok := s.active[h]; ok || h.Finalized() {
		s.mu.Unlock()
		return false
	}
	if !h.Acquire() {
		s.mu.Unlock()
		return false
	}
	s.active[h] = struct{}{}
	s.queue = append(s.queue, Task{ID: id, Handle: h})
	s.mu.Unlock()

	if !s.compute.Post(s.RunOne) {
		s.drop(h)
		return false
	}
	return true
}

// RunOne performs one decode pass for the task at the head of the queue.
// Each queued task has exactly one RunOne posted for it.
func (s *Scheduler) RunOne() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	t := s.queue[0]
	s.queue[0] = Task{}
	s.queue = s.queue[1:]
	s.mu.Unlock()

	stream := t.Handle.Stream()
	log := s.log.With().Str("conn_id", string(t.ID)).Logger()

	start := time.Now()
	err := s.rec.DecodeStream(stream)
	metrics.DecodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("decode failed")
		metrics.DecodeFailuresTotal.Inc()
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		s.drop(t.Handle)
		return
	}
	metrics.DecodePassesTotal.Inc()
	result := s.rec.GetResult(stream)

	alive := s.reg.Contains(t.ID)

	s.mu.Lock()
	s.decoded++
	// Input may finish concurrently. Checking the last frame before readiness
	// means a stream seen as finished here is also seen as finished by IsReady.
	last := stream.IsLastFrame(stream.NumFramesReady() - 1)
	requeue := alive && s.rec.IsReady(stream)
	if requeue {
		s.queue = append(s.queue, t)
		last = false
	} else {
		delete(s.active, t.Handle)
		// A closed connection gets no Done, so it is not counted as finalized.
		last = last && alive && t.Handle.MarkFinalized()
		if last {
			s.finalized++
		}
	}
	s.mu.Unlock()

	if requeue && !s.compute.Post(s.RunOne) {
		s.unqueue(t.Handle)
		requeue = false
	}

	id := t.ID
	posted := s.network.PostKeyed(string(id), func() {
		s.sender.SendResult(id, result)
		if last {
			s.sender.SendDone(id)
		}
	})
	if !posted {
		log.Debug().Msg("network executor stopped, result dropped")
	}

	if !requeue {
		t.Handle.Release()
	}
}

// Stats returns current queue state and pass counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:    len(s.queue),
		Active:    len(s.active),
		Decoded:   s.decoded,
		Failed:    s.failed,
		Finalized: s.finalized,
	}
}

// IsActive reports whether h is queued or being decoded.
func (s *Scheduler) IsActive(h *registry.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[h]
	return ok
}

// drop removes h from the active set and the queue and releases the
// scheduler's reference.
func (s *Scheduler) drop(h *registry.Handle) {
	s.unqueue(h)
	h.Release()
}

func (s *Scheduler) unqueue(h *registry.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, h)
	for i, t := range s.queue {
		if t.Handle == h {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}
