// Package registry tracks the open connections and the decode stream owned by
// each one.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/snarg/asr-gateway/internal/recognizer"
)

// ErrAlreadyOpen is returned by Open for a ConnID that is already registered.
var ErrAlreadyOpen = errors.New("registry: connection already open")

// ConnID identifies one client connection for its whole lifetime.
type ConnID string

// Peer is the network side of a connection.
type Peer interface {
	Send(msg string) error
}

// Handle is a shared reference to one connection's decode stream. The stream
// is closed when the last holder releases it, which may be after the
// connection itself has been removed from the registry.
type Handle struct {
	id     ConnID
	stream recognizer.Stream
	refs   atomic.Int32

	finalized atomic.Bool
}

// ID returns the owning connection.
func (h *Handle) ID() ConnID { return h.id }

// Stream returns the decode stream.
func (h *Handle) Stream() recognizer.Stream { return h.stream }

// Acquire takes an extra reference. It fails once the stream has been closed.
func (h *Handle) Acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// MarkFinalized records that the end-of-stream marker was produced. It
// returns true only for the first call.
func (h *Handle) MarkFinalized() bool {
	return h.finalized.CompareAndSwap(false, true)
}

// Finalized reports whether MarkFinalized has been called.
func (h *Handle) Finalized() bool { return h.finalized.Load() }

// Release drops a reference and closes the stream when none remain.
func (h *Handle) Release() {
	if h.refs.Add(-1) == 0 {
		h.stream.Close()
	}
}

type entry struct {
	handle *Handle
	peer   Peer
}

// Registry maps ConnIDs to their peer and stream. It holds one reference on
// every Handle it contains.
type Registry struct {
	rec recognizer.Recognizer

	mu    sync.Mutex
	conns map[ConnID]entry
}

// New creates an empty Registry that creates streams with rec.
func New(rec recognizer.Recognizer) *Registry {
	return &Registry{
		rec:   rec,
		conns: make(map[ConnID]entry),
	}
}

// Open creates a stream for id and registers it with peer. The stream is
// created without holding the lock; if another Open for id wins meanwhile,
// the new stream is closed and ErrAlreadyOpen returned.
func (r *Registry) Open(id ConnID, peer Peer) (*Handle, error) {
	r.mu.Lock()
	_, exists := r.conns[id]
	r.mu.Unlock()
	if exists {
		return nil, ErrAlreadyOpen
	}

	s, err := r.rec.CreateStream()
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	h := &Handle{id: id, stream: s}
	h.refs.Store(1)

	r.mu.Lock()
	if _, ok := r.conns[id]; ok {
		r.mu.Unlock()
		s.Close()
		return nil, ErrAlreadyOpen
	}
	r.conns[id] = entry{handle: h, peer: peer}
	r.mu.Unlock()
	return h, nil
}

// Close removes id. Closing an unknown id is a no-op.
func (r *Registry) Close(id ConnID) {
	r.mu.Lock()
	e, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		e.handle.Release()
	}
}

// Lookup returns the handle for id, or nil if it is not open.
func (r *Registry) Lookup(id ConnID) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id].handle
}

// Contains reports whether id is open.
func (r *Registry) Contains(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok
}

// Peer returns the network side of id, or nil if it is not open.
func (r *Registry) Peer(id ConnID) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[id].peer
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
