package pacer

import (
	"errors"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/audio"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/transport"
)

// MaxVolume is the upper bound accepted by Controller.SetVolume:
// 2x amplification. The lower bound is 0 (silence); 1.0 is unity.
const MaxVolume = 2.0

// Controller is the runtime control handle for an audio stream. It is safe
// for concurrent use and remains safe after the owning session tears down,
// at which point its methods still update state but no longer affect any
// transmission.
type Controller struct {
	muted      atomic.Bool
	volumeBits atomic.Uint64
	suppressed atomic.Int64
}

func newController() *Controller {
	c := &Controller{}
	c.volumeBits.Store(math.Float64bits(1.0))
	return c
}

// Mute suppresses audio transmission. Muted frames are consumed and the
// virtual clock still advances, so pacing and sync with the video stream
// are unaffected. Muting an already-muted stream is a no-op.
func (c *Controller) Mute() { c.muted.Store(true) }

// Unmute resumes audio transmission.
func (c *Controller) Unmute() { c.muted.Store(false) }

// IsMuted reports whether audio transmission is suppressed.
func (c *Controller) IsMuted() bool { return c.muted.Load() }

// SetVolume sets the playback volume factor, clamped to [0, MaxVolume].
func (c *Controller) SetVolume(v float64) {
	if v < 0 || math.IsNaN(v) {
		v = 0
	} else if v > MaxVolume {
		v = MaxVolume
	}
	c.volumeBits.Store(math.Float64bits(v))
}

// Volume returns the current volume factor.
func (c *Controller) Volume() float64 {
	return math.Float64frombits(c.volumeBits.Load())
}

// SuppressedFrames returns how many frames were consumed while muted.
func (c *Controller) SuppressedFrames() int64 { return c.suppressed.Load() }

// audioSender is the audio stream's per-frame processing stage: it applies
// mute and volume scaling without altering frame timing, then forwards the
// payload to the transport. Processing faults are recovered locally by
// forwarding the original frame; only transport errors propagate.
type audioSender struct {
	ts    transport.Session
	codec audio.Codec
	ctl   *Controller
	log   *slog.Logger
}

// NewAudio creates a paced audio stream with its control handle. codec is
// used to decode and re-encode frames when volume scaling is applied; a nil
// codec disables scaling and frames are forwarded unmodified at any volume
// other than zero-effort unity. tolerance is as for NewVideo.
func NewAudio(frames <-chan *media.Frame, ts transport.Session, codec audio.Codec, tolerance time.Duration, log *slog.Logger) (*Stream, *Controller) {
	if log == nil {
		log = slog.Default()
	}
	ctl := newController()
	out := &audioSender{
		ts:    ts,
		codec: codec,
		ctl:   ctl,
		log:   log.With("stream", RoleAudio.String()),
	}
	return newStream(RoleAudio, frames, out, tolerance, log), ctl
}

func (a *audioSender) send(f *media.Frame) error {
	if a.ctl.IsMuted() {
		a.ctl.suppressed.Add(1)
		return nil
	}

	payload := f.Data
	if v := a.ctl.Volume(); v != 1.0 {
		scaled, err := a.scale(f.Data, v)
		if err != nil {
			// Never drop audio over a processing fault: forward as-is.
			a.log.Warn("volume scaling failed, forwarding original frame", "error", err)
		} else {
			payload = scaled
		}
	}
	return a.ts.SendAudioFrame(payload, f.Duration)
}

// scale decodes the frame to PCM, applies the saturating gain, and
// re-encodes at the same nominal frametime.
func (a *audioSender) scale(data []byte, volume float64) ([]byte, error) {
	if a.codec == nil {
		return nil, errNoCodec
	}
	samples, err := a.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	audio.Gain(samples, volume)
	return a.codec.Encode(samples)
}

var errNoCodec = errors.New("pacer: no audio codec configured")
