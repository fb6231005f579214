// Package executor provides the task runners the gateway posts work to: a
// shared multi-worker queue for decode passes and a striped runner that keeps
// per-connection ordering for network sends.
package executor

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

// Poster accepts tasks for asynchronous execution.
type Poster interface {
	Post(fn func()) bool
}

// KeyedPoster accepts tasks that must run in submission order per key.
type KeyedPoster interface {
	PostKeyed(key string, fn func()) bool
}

// Executor runs posted tasks on a fixed set of goroutines. The queue is
// unbounded; Post never blocks and never runs the task on the caller's
// goroutine.
type Executor struct {
	name    string
	workers int
	log     zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	wg      sync.WaitGroup
}

// New creates an Executor. Call Start before posting work you expect to run.
func New(name string, workers int, log zerolog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	e := &Executor{
		name:    name,
		workers: workers,
		log:     log.With().Str("executor", name).Logger(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Name returns the executor name used in logs.
func (e *Executor) Name() string { return e.name }

// Start launches the worker goroutines.
func (e *Executor) Start() {
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.log.Info().Int("workers", e.workers).Msg("executor started")
}

// Post queues fn. It returns false once Stop has been called.
func (e *Executor) Post(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.cond.Signal()
	return true
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Stop rejects new tasks, runs everything already queued and waits for the
// workers to exit.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
	e.log.Info().Msg("executor stopped")
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()
	log := e.log.With().Int("worker", id).Logger()

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		run(log, fn)
	}
}

func run(log zerolog.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	fn()
}

// Striped runs keyed tasks on one of N single-worker lanes chosen by hashing
// the key. Tasks sharing a key run one at a time in Post order.
type Striped struct {
	name  string
	lanes []*Executor
}

// NewStriped creates a Striped executor with the given number of lanes.
func NewStriped(name string, lanes int, log zerolog.Logger) *Striped {
	if lanes < 1 {
		lanes = 1
	}
	s := &Striped{name: name, lanes: make([]*Executor, lanes)}
	for i := range s.lanes {
		s.lanes[i] = New(fmt.Sprintf("%s-%d", name, i), 1, log)
	}
	return s
}

// Name returns the executor name used in logs.
func (s *Striped) Name() string { return s.name }

func (s *Striped) Start() {
	for _, l := range s.lanes {
		l.Start()
	}
}

// PostKeyed queues fn on the lane owning key.
func (s *Striped) PostKeyed(key string, fn func()) bool {
	return s.lane(key).Post(fn)
}

// Pending returns the number of queued tasks across all lanes.
func (s *Striped) Pending() int {
	n := 0
	for _, l := range s.lanes {
		n += l.Pending()
	}
	return n
}

func (s *Striped) Stop() {
	for _, l := range s.lanes {
		l.Stop()
	}
}

func (s *Striped) lane(key string) *Executor {
	if len(s.lanes) == 1 {
		return s.lanes[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.lanes[h.Sum32()%uint32(len(s.lanes))]
}
