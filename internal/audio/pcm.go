// Package audio converts between the client wire format and sample buffers.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned for a binary frame whose length is not a
// whole number of float32 samples.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// DecodeFloat32LE interprets data as little-endian IEEE-754 float32 samples.
// The returned slice never aliases data.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrMalformedFrame, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// ToPCM16 clamps float samples in [-1, 1] to signed 16-bit PCM.
func ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		switch {
		case v >= 1:
			out[i] = math.MaxInt16
		case v <= -1:
			out[i] = -math.MaxInt16
		default:
			out[i] = int16(v * math.MaxInt16)
		}
	}
	return out
}
