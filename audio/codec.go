// Package audio provides the PCM codec contract and sample-level helpers
// used by the audio processing stage. Codec implementations for compressed
// formats (Opus, AAC) are supplied by the caller; this package ships only
// the raw 16-bit little-endian passthrough used for PCM pipelines and tests.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Codec converts between a stream's encoded frame payload and linear
// 16-bit PCM samples. Decode and Encode must round-trip a frame without
// changing its nominal duration.
type Codec interface {
	Decode(data []byte) ([]int16, error)
	Encode(samples []int16) ([]byte, error)
}

// PCM16 is the identity codec for signed 16-bit little-endian PCM payloads.
type PCM16 struct{}

// Decode interprets data as s16le samples.
func (PCM16) Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("audio: odd PCM payload length %d", len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

// Encode serializes samples as s16le.
func (PCM16) Encode(samples []int16) ([]byte, error) {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data, nil
}

// Gain scales samples in place by factor, saturating at the int16 range
// rather than wrapping. Factors above 1.0 amplify; 0 silences.
func Gain(samples []int16, factor float64) {
	for i, s := range samples {
		scaled := int32(float64(s) * factor)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		samples[i] = int16(scaled)
	}
}
