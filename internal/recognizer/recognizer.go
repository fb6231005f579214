// Package recognizer defines the contract between the gateway and a streaming
// speech recognition engine, plus a deterministic in-tree engine (Stub) used
// when no model backend is linked in.
package recognizer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Recognizer produces per-connection decode state and runs decode passes on it.
//
// DecodeStream is only ever called for one Stream at a time; the gateway's
// scheduler guarantees it. Implementations must still tolerate
// AcceptWaveform/InputFinished arriving from the network side while a decode
// pass for the same Stream is running.
type Recognizer interface {
	CreateStream() (Stream, error)
	// DecodeStream runs one decode pass, advancing the stream's internal state.
	DecodeStream(s Stream) error
	GetResult(s Stream) Result
	// IsReady reports whether enough buffered audio exists for another pass.
	IsReady(s Stream) bool
}

// Stream is the decode state of a single connection.
type Stream interface {
	AcceptWaveform(sampleRate int, samples []float32)
	InputFinished()
	NumFramesReady() int
	IsLastFrame(index int) bool
	// Close releases engine resources. Called exactly once, after every
	// holder of the stream dropped it.
	Close() error
}

// Result is a partial or final transcript for the current segment.
type Result struct {
	Method     string
	Segment    int
	Text       string
	Tokens     []string
	Timestamps []float64 // seconds from stream start
	Final      bool
}

type resultJSON struct {
	Method     string   `json:"method"`
	Segment    int      `json:"segment"`
	Text       string   `json:"text"`
	Tokens     []string `json:"tokens"`
	Timestamps []string `json:"timestamps"`
	Final      bool     `json:"final"`
}

// JSON returns the wire encoding sent to clients.
func (r Result) JSON() string {
	msg := resultJSON{
		Method:     r.Method,
		Segment:    r.Segment,
		Text:       r.Text,
		Tokens:     r.Tokens,
		Timestamps: make([]string, len(r.Timestamps)),
		Final:      r.Final,
	}
	if msg.Tokens == nil {
		msg.Tokens = []string{}
	}
	for i, ts := range r.Timestamps {
		msg.Timestamps[i] = fmt.Sprintf("%.3f", ts)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		// Only strings, ints and bools; cannot fail.
		return "{}"
	}
	return string(b)
}

// ParseResult decodes a result produced by Result.JSON.
func ParseResult(data string) (Result, error) {
	var msg resultJSON
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return Result{}, fmt.Errorf("parse result: %w", err)
	}
	r := Result{
		Method:  msg.Method,
		Segment: msg.Segment,
		Text:    msg.Text,
		Tokens:  msg.Tokens,
		Final:   msg.Final,
	}
	for _, ts := range msg.Timestamps {
		v, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return Result{}, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		r.Timestamps = append(r.Timestamps, v)
	}
	return r, nil
}
