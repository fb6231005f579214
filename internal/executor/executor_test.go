package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecutor_RunsAsync(t *testing.T) {
	e := New("test", 2, zerolog.Nop())
	e.Start()
	defer e.Stop()

	caller := make(chan struct{})
	done := make(chan struct{})
	e.Post(func() {
		// Blocks until the poster returns, so an inline run would deadlock.
		<-caller
		close(done)
	})
	close(caller)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestExecutor_StopDrainsQueue(t *testing.T) {
	e := New("test", 1, zerolog.Nop())

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		if !e.Post(func() { ran.Add(1) }) {
			t.Fatal("Post before Stop returned false")
		}
	}
	if got := e.Pending(); got != 100 {
		t.Errorf("Pending = %d, want 100", got)
	}

	e.Start()
	e.Stop()

	if got := ran.Load(); got != 100 {
		t.Errorf("ran = %d, want 100", got)
	}
	if e.Post(func() {}) {
		t.Error("Post after Stop returned true")
	}
}

func TestExecutor_FIFOSingleWorker(t *testing.T) {
	e := New("test", 1, zerolog.Nop())
	e.Start()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		e.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	e.Stop()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestExecutor_PanicRecovered(t *testing.T) {
	e := New("test", 1, zerolog.Nop())
	e.Start()

	var after atomic.Bool
	e.Post(func() { panic("boom") })
	e.Post(func() { after.Store(true) })
	e.Stop()

	if !after.Load() {
		t.Error("worker did not survive a panicking task")
	}
}

func TestStriped_PerKeyOrder(t *testing.T) {
	s := NewStriped("net", 4, zerolog.Nop())
	s.Start()

	keys := []string{"a", "b", "c", "d", "e", "f"}
	var mu sync.Mutex
	seen := make(map[string][]int)

	for i := 0; i < 200; i++ {
		for _, k := range keys {
			s.PostKeyed(k, func() {
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			})
		}
	}
	s.Stop()

	for _, k := range keys {
		got := seen[k]
		if len(got) != 200 {
			t.Fatalf("key %s ran %d tasks, want 200", k, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %s order[%d] = %d", k, i, v)
			}
		}
	}
}

func TestStriped_SameKeySameLane(t *testing.T) {
	s := NewStriped("net", 8, zerolog.Nop())
	if s.lane("conn-1") != s.lane("conn-1") {
		t.Error("key mapped to different lanes")
	}
}

func TestStriped_PostAfterStop(t *testing.T) {
	s := NewStriped("net", 2, zerolog.Nop())
	s.Start()
	s.Stop()
	if s.PostKeyed("k", func() {}) {
		t.Error("PostKeyed after Stop returned true")
	}
}
