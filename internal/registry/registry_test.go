package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/recognizer"
)

type nopPeer struct{}

func (nopPeer) Send(string) error { return nil }

type failingRecognizer struct{ recognizer.Recognizer }

func (failingRecognizer) CreateStream() (recognizer.Stream, error) {
	return nil, errors.New("out of memory")
}

// gatedRecognizer blocks CreateStream until gate is closed.
type gatedRecognizer struct {
	*recognizer.Stub
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedRecognizer) CreateStream() (recognizer.Stream, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Stub.CreateStream()
}

func newStub(t *testing.T) *recognizer.Stub {
	t.Helper()
	r, err := recognizer.NewStub(16000, recognizer.DefaultTuning(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRegistry_OpenLookupClose(t *testing.T) {
	rec := newStub(t)
	reg := New(rec)

	h, err := reg.Open("c1", nopPeer{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.ID() != "c1" {
		t.Errorf("ID = %q, want c1", h.ID())
	}
	if !reg.Contains("c1") || reg.Lookup("c1") != h || reg.Peer("c1") == nil {
		t.Error("opened connection not visible")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}

	reg.Close("c1")
	if reg.Contains("c1") || reg.Lookup("c1") != nil || reg.Peer("c1") != nil {
		t.Error("closed connection still visible")
	}
	if rec.OpenStreams() != 0 {
		t.Errorf("OpenStreams = %d after close, want 0", rec.OpenStreams())
	}

	// Idempotent.
	reg.Close("c1")
	reg.Close("never-opened")
}

func TestRegistry_DuplicateOpen(t *testing.T) {
	rec := newStub(t)
	reg := New(rec)

	if _, err := reg.Open("c1", nopPeer{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Open("c1", nopPeer{}); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("err = %v, want ErrAlreadyOpen", err)
	}
	if rec.OpenStreams() != 1 {
		t.Errorf("OpenStreams = %d, want 1", rec.OpenStreams())
	}
}

func TestRegistry_CreateStreamError(t *testing.T) {
	reg := New(failingRecognizer{})
	if _, err := reg.Open("c1", nopPeer{}); err == nil {
		t.Fatal("expected error")
	}
	if reg.Contains("c1") {
		t.Error("failed Open left an entry behind")
	}
}

func TestHandle_StreamOutlivesRegistryEntry(t *testing.T) {
	rec := newStub(t)
	reg := New(rec)

	h, _ := reg.Open("c1", nopPeer{})
	if !h.Acquire() {
		t.Fatal("Acquire on live handle failed")
	}

	reg.Close("c1")
	if rec.OpenStreams() != 1 {
		t.Fatal("stream closed while another holder still had it")
	}
	// Still usable by the holder.
	h.Stream().AcceptWaveform(16000, make([]float32, 400))
	if h.Stream().NumFramesReady() != 1 {
		t.Error("stream unusable after registry close")
	}

	h.Release()
	if rec.OpenStreams() != 0 {
		t.Error("stream not closed after last release")
	}
	if h.Acquire() {
		t.Error("Acquire succeeded on a released handle")
	}
}

func TestRegistry_CreateStreamRunsUnlocked(t *testing.T) {
	rec := &gatedRecognizer{Stub: newStub(t), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	reg := New(rec)

	opened := make(chan error, 1)
	go func() {
		_, err := reg.Open("slow", nopPeer{})
		opened <- err
	}()
	<-rec.entered

	done := make(chan struct{})
	go func() {
		reg.Contains("other")
		reg.Peer("other")
		reg.Close("other")
		reg.Len()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked while another connection's stream was being created")
	}
	if reg.Contains("slow") {
		t.Error("connection visible before its stream exists")
	}

	close(rec.gate)
	if err := <-opened; err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reg.Contains("slow") {
		t.Error("slow connection not registered")
	}
}

func TestRegistry_ConcurrentOpenSameID(t *testing.T) {
	stub := newStub(t)
	rec := &gatedRecognizer{Stub: stub, entered: make(chan struct{}, 2), gate: make(chan struct{})}
	reg := New(rec)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Open("c1", nopPeer{})
			errs <- err
		}()
	}
	// Both pass the duplicate check before either creates its stream.
	<-rec.entered
	<-rec.entered
	close(rec.gate)
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyOpen):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("ok=%d dup=%d, want 1 and 1", ok, dup)
	}
	if stub.OpenStreams() != 1 {
		t.Errorf("OpenStreams = %d, want 1 (losing stream closed)", stub.OpenStreams())
	}
}
