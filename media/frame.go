// Package media defines the frame and stream-description types that flow
// through the cadence delivery pipeline, from demuxing through paced
// transmission.
package media

import "time"

// Channel buffer sizes used between the demux stage (producer) and each
// paced stream (consumer). Sized to absorb source jitter without holding
// more than a couple of seconds of media in memory.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// Frame is a single encoded access unit ready for paced transmission.
// PTS is the presentation timestamp in milliseconds within the stream's
// own time base; Duration is the nominal time the frame occupies on the
// playback clock. A Frame is owned by whichever stage currently holds it
// and is never mutated after creation — the audio processing stage
// produces a replacement Frame rather than editing in place.
type Frame struct {
	Data     []byte
	PTS      int64
	Duration time.Duration
}

// VideoInfo describes a video elementary stream: codec identifier,
// resolution, and nominal frame rate. Sent to the transport during
// session setup so the receiver can configure its decoder before the
// first frame arrives.
type VideoInfo struct {
	Codec     string
	Width     int
	Height    int
	FrameRate float64
}

// AudioInfo describes an audio elementary stream's sample layout.
type AudioInfo struct {
	Codec      string
	SampleRate int
	Channels   int
}
