// Package transport defines the contract between the paced delivery engine
// and the network session that packetizes, encrypts, and transmits frames.
// Implementations live in subpackages; the engine holds a Session
// exclusively and invokes at most one goroutine per media kind, so audio
// and video sends never need mutual exclusion between each other.
package transport

import (
	"time"

	"github.com/zsiec/cadence/media"
)

// Session is one established connection to the receiving channel. Send
// errors are fatal to the owning stream and propagate to session teardown.
type Session interface {
	// SendAudioFrame transmits one encoded audio access unit occupying
	// frametime on the playback clock.
	SendAudioFrame(payload []byte, frametime time.Duration) error

	// SendVideoFrame transmits one encoded video access unit.
	SendVideoFrame(payload []byte, frametime time.Duration) error

	// SetPacketizer selects the payload packetizer for the given video
	// codec identifier (e.g. "vp8", "h264").
	SetPacketizer(codec string) error

	// SetSpeaking updates the connection's speaking attribute.
	SetSpeaking(speaking bool) error

	// SetVideoAttributes publishes the stream's resolution and frame rate
	// on the connection. A nil attrs clears the video-active state.
	SetVideoAttributes(attrs *media.VideoInfo) error
}
