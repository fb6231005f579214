package recognizer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrStreamClosed is returned when decoding a stream after Close.
var ErrStreamClosed = errors.New("recognizer: stream closed")

// speechToken is emitted once per voiced run.
const speechToken = "[speech]"

// Stub is a deterministic Recognizer that needs no model. It frames audio with
// the Kaldi convention (25 ms window, 10 ms hop), marks frames voiced by RMS
// energy, emits one token per voiced run and applies the endpoint rules from
// Tuning. It exists so the gateway can run and be tested without a backend.
type Stub struct {
	tuning     Tuning
	sampleRate int
	window     int // samples per frame
	hop        int // samples between frame starts
	log        zerolog.Logger

	open atomic.Int64
}

// NewStub returns a Stub running at the given model sample rate.
func NewStub(sampleRate int, tuning Tuning, log zerolog.Logger) (*Stub, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("recognizer: sample rate must be > 0, got %d", sampleRate)
	}
	if err := tuning.Validate(); err != nil {
		return nil, err
	}
	return &Stub{
		tuning:     tuning,
		sampleRate: sampleRate,
		window:     sampleRate * 25 / 1000,
		hop:        sampleRate * 10 / 1000,
		log:        log,
	}, nil
}

// OpenStreams returns the number of streams created and not yet closed.
func (r *Stub) OpenStreams() int64 { return r.open.Load() }

// SampleRate returns the model sample rate.
func (r *Stub) SampleRate() int { return r.sampleRate }

func (r *Stub) CreateStream() (Stream, error) {
	r.open.Add(1)
	return &stubStream{r: r}, nil
}

func (r *Stub) DecodeStream(s Stream) error {
	ss, err := r.cast(s)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return ErrStreamClosed
	}
	n := ss.numFramesLocked() - ss.processed
	if n <= 0 {
		return nil
	}
	if !ss.finished {
		if n < r.tuning.ChunkFrames {
			return nil
		}
		n = r.tuning.ChunkFrames
	}

	for f := ss.processed; f < ss.processed+n; f++ {
		start := f*r.hop - ss.dropped
		voiced := rms(ss.samples[start:start+r.window]) >= r.tuning.EnergyThreshold
		if voiced {
			if !ss.seg.voiced {
				ss.seg.tokens = append(ss.seg.tokens, speechToken)
				ss.seg.timestamps = append(ss.seg.timestamps, float64(f*r.hop)/float64(r.sampleRate))
			}
			ss.seg.voiced = true
			ss.seg.trailing = 0
		} else {
			ss.seg.voiced = false
			ss.seg.trailing++
		}
	}
	ss.processed += n
	ss.endpoint = r.isEndpoint(ss)
	ss.compact(r.hop)
	return nil
}

func (r *Stub) GetResult(s Stream) Result {
	ss, err := r.cast(s)
	if err != nil {
		return Result{Method: r.tuning.Method}
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	res := Result{
		Method:     r.tuning.Method,
		Segment:    ss.segment,
		Text:       strings.Join(ss.seg.tokens, " "),
		Tokens:     append([]string(nil), ss.seg.tokens...),
		Timestamps: append([]float64(nil), ss.seg.timestamps...),
	}
	switch {
	case ss.endpoint:
		res.Final = true
		ss.segment++
		ss.seg = segmentState{startFrame: ss.processed}
		ss.endpoint = false
	case ss.finished && ss.processed >= ss.numFramesLocked():
		res.Final = true
	}
	return res
}

func (r *Stub) IsReady(s Stream) bool {
	ss, err := r.cast(s)
	if err != nil {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return false
	}
	n := ss.numFramesLocked() - ss.processed
	if ss.finished {
		return n > 0
	}
	return n >= r.tuning.ChunkFrames
}

func (r *Stub) cast(s Stream) (*stubStream, error) {
	ss, ok := s.(*stubStream)
	if !ok || ss.r != r {
		return nil, fmt.Errorf("recognizer: stream %T not created by this recognizer", s)
	}
	return ss, nil
}

// isEndpoint must be called with ss.mu held.
func (r *Stub) isEndpoint(ss *stubStream) bool {
	ep := r.tuning.Endpoint
	if !ep.Enabled {
		return false
	}
	frameSec := float64(r.hop) / float64(r.sampleRate)
	trailing := float64(ss.seg.trailing) * frameSec
	length := float64(ss.processed-ss.seg.startFrame) * frameSec

	if len(ss.seg.tokens) == 0 && trailing >= ep.Rule1MinTrailingSilence {
		return true
	}
	if len(ss.seg.tokens) > 0 && trailing >= ep.Rule2MinTrailingSilence {
		return true
	}
	return length >= ep.Rule3MinUtteranceLength
}

type segmentState struct {
	startFrame int
	tokens     []string
	timestamps []float64
	voiced     bool
	trailing   int // consecutive unvoiced frames at the end
}

type stubStream struct {
	r *Stub

	mu        sync.Mutex
	samples   []float32 // at the model rate
	dropped   int       // samples discarded from the front of samples
	finished  bool
	closed    bool
	processed int // frames decoded so far

	segment  int
	seg      segmentState
	endpoint bool

	resampler    resampling.Resampler
	resampleFrom int
}

func (s *stubStream) AcceptWaveform(sampleRate int, samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.finished {
		return
	}
	if sampleRate != s.r.sampleRate {
		out, err := s.resampleLocked(sampleRate, samples)
		if err != nil {
			s.r.log.Warn().Err(err).
				Int("from_rate", sampleRate).
				Int("to_rate", s.r.sampleRate).
				Msg("resampling failed, dropping samples")
			return
		}
		samples = out
	}
	s.samples = append(s.samples, samples...)
}

func (s *stubStream) InputFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

func (s *stubStream) NumFramesReady() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numFramesLocked()
}

func (s *stubStream) IsLastFrame(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && index == s.numFramesLocked()-1
}

func (s *stubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.samples = nil
	s.resampler = nil
	s.r.open.Add(-1)
	return nil
}

func (s *stubStream) numFramesLocked() int {
	total := s.dropped + len(s.samples)
	if total < s.r.window {
		return 0
	}
	return (total-s.r.window)/s.r.hop + 1
}

// compact drops samples no future frame can reach. It only copies once the
// dead prefix is at least half the buffer.
func (s *stubStream) compact(hop int) {
	dead := s.processed*hop - s.dropped
	if dead <= 0 || dead < len(s.samples)/2 {
		return
	}
	if dead > len(s.samples) {
		dead = len(s.samples)
	}
	s.samples = append([]float32(nil), s.samples[dead:]...)
	s.dropped += dead
}

func (s *stubStream) resampleLocked(from int, samples []float32) ([]float32, error) {
	if s.resampler == nil || s.resampleFrom != from {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(from),
			OutputRate: float64(s.r.sampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
		s.resampler = rs
		s.resampleFrom = from
	}

	in := make([]float64, len(samples))
	for i, v := range samples {
		in[i] = float64(v)
	}
	out, err := s.resampler.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	res := make([]float32, len(out))
	for i, v := range out {
		res[i] = float32(v)
	}
	return res, nil
}

func rms(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
