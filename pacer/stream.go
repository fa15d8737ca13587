// Package pacer implements the real-time pacing and inter-stream
// synchronization engine at the core of cadence. A Stream pulls encoded
// frames from a bounded channel and dispatches each to the transport at
// the wall-clock moment its accumulated frametime dictates, while an
// optional partner link bounds the drift between a video stream and an
// audio stream without requiring a shared external clock.
package pacer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/transport"
)

// ErrMalformedFrame is returned by a Stream that receives a frame with no
// payload or a non-positive duration. Such a frame would corrupt the
// virtual clock, so the stream fails rather than guessing.
var ErrMalformedFrame = errors.New("pacer: malformed frame")

// Role identifies which transport send primitive a Stream targets.
type Role int

// Stream roles.
const (
	RoleVideo Role = iota
	RoleAudio
)

func (r Role) String() string {
	if r == RoleAudio {
		return "audio"
	}
	return "video"
}

// sender is the role-specific per-frame hook: identity for video, the
// mute/volume processing stage for audio. Implementations must not alter
// frame timing; they either deliver the payload or report a transport error.
type sender interface {
	send(f *media.Frame) error
}

// StreamStats is a point-in-time snapshot of a stream's delivery progress.
type StreamStats struct {
	FramesSent   int64
	LastPTS      int64
	VirtualClock time.Duration
}

// Stream dispatches an ordered sequence of frames to the transport at
// paced wall-clock times. Frames are dispatched strictly in input order;
// the virtual clock after N frames is exactly the sum of their durations,
// independent of scheduler jitter.
//
// A Stream reaches a terminal state exactly once: Finished when its input
// channel closes, or Errored on a transport send failure, a malformed
// frame, or cancellation. Done is closed on either path; Err distinguishes
// them.
type Stream struct {
	log       *slog.Logger
	role      Role
	in        <-chan *media.Frame
	out       sender
	tolerance time.Duration // 0 → one nominal frametime of this stream

	start time.Time // playback start reference, set by Run

	clock       atomic.Int64 // cumulative dispatched frametime, ns
	noSleep     atomic.Bool
	syncEnabled atomic.Bool
	partner     atomic.Pointer[Stream]
	onPTS       atomic.Pointer[func(pts int64)]

	tick chan struct{} // pulsed after each clock advance; partner waits on it
	done chan struct{}
	err  error
	once sync.Once

	framesSent atomic.Int64
	lastPTS    atomic.Int64
}

func newStream(role Role, frames <-chan *media.Frame, out sender, tolerance time.Duration, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	s := &Stream{
		log:       log.With("stream", role.String()),
		role:      role,
		in:        frames,
		out:       out,
		tolerance: tolerance,
		tick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.syncEnabled.Store(true)
	return s
}

// NewVideo creates a paced video stream. Frames pass through to the
// transport unmodified. tolerance bounds how far this stream's virtual
// clock may lead its partner's; zero means one nominal frametime.
func NewVideo(frames <-chan *media.Frame, ts transport.Session, tolerance time.Duration, log *slog.Logger) *Stream {
	return newStream(RoleVideo, frames, &videoSender{ts: ts}, tolerance, log)
}

// Pair links a video stream and an audio stream into a sync pair. Each
// side holds a weak reference to the other; either may terminate first,
// at which point the survivor's drift check degrades to a no-op.
func Pair(video, audio *Stream) {
	video.partner.Store(audio)
	audio.partner.Store(video)
}

// Unpair clears both sides of a sync pair, run at session teardown.
func Unpair(video, audio *Stream) {
	video.partner.Store(nil)
	audio.partner.Store(nil)
}

// SetNoSleep toggles pacing suspension. While set, frames are dispatched
// as fast as they arrive, draining any upstream backlog.
func (s *Stream) SetNoSleep(v bool) { s.noSleep.Store(v) }

// SetSyncEnabled toggles the partner drift check.
func (s *Stream) SetSyncEnabled(v bool) { s.syncEnabled.Store(v) }

// OnPTS installs fn as the stream's timestamp observer, invoked from the
// dispatch goroutine after each frame is sent. A nil fn removes the
// observer. Only one observer is held at a time.
func (s *Stream) OnPTS(fn func(pts int64)) {
	if fn == nil {
		s.onPTS.Store(nil)
		return
	}
	s.onPTS.Store(&fn)
}

// VirtualClock returns the cumulative frametime of frames already
// dispatched: the stream's notion of how far into playback it is.
func (s *Stream) VirtualClock() time.Duration {
	return time.Duration(s.clock.Load())
}

// Done is closed when the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns nil after a normal finish, or the terminating error.
// Only valid after Done is closed.
func (s *Stream) Err() error { return s.err }

// Stats returns a snapshot of delivery progress.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		FramesSent:   s.framesSent.Load(),
		LastPTS:      s.lastPTS.Load(),
		VirtualClock: s.VirtualClock(),
	}
}

// Run dispatches frames until the input is exhausted, a send fails, or ctx
// is cancelled. start is the shared playback start reference against which
// pacing offsets are computed; both streams of a session receive the same
// instant. Run returns nil on normal finish and records the same outcome
// for Done/Err observers.
func (s *Stream) Run(ctx context.Context, start time.Time) error {
	s.start = start
	s.log.Debug("stream started")

	for {
		var f *media.Frame
		select {
		case frame, ok := <-s.in:
			if !ok {
				return s.finish(nil)
			}
			f = frame
		case <-ctx.Done():
			return s.finish(context.Cause(ctx))
		}

		if f == nil || len(f.Data) == 0 || f.Duration <= 0 {
			return s.finish(ErrMalformedFrame)
		}

		if err := s.pace(ctx); err != nil {
			return s.finish(err)
		}
		if err := s.waitPartner(ctx, f.Duration); err != nil {
			return s.finish(err)
		}

		if err := s.out.send(f); err != nil {
			return s.finish(fmt.Errorf("send %s frame: %w", s.role, err))
		}

		s.clock.Add(int64(f.Duration))
		s.pulse()
		s.framesSent.Add(1)
		s.lastPTS.Store(f.PTS)
		s.notifyPTS(f.PTS)
	}
}

// pace suspends until the wall clock reaches start+virtualClock, the
// instant the next frame should begin playing. A frame that is already
// late is dispatched immediately; there is no negative delay and no
// catch-up beyond skipping the sleep.
func (s *Stream) pace(ctx context.Context) error {
	if s.noSleep.Load() {
		return nil
	}
	d := time.Until(s.start.Add(s.VirtualClock()))
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// waitPartner blocks while dispatching the next frame would push this
// stream's virtual clock more than the drift tolerance ahead of its
// partner's. The bound is on the post-dispatch clock, so the observable
// lead never exceeds the tolerance. The wait is advisory, not lockstep: it
// ends as soon as the partner catches up, and degrades to a no-op when the
// partner terminates or the pair is unlinked.
func (s *Stream) waitPartner(ctx context.Context, frametime time.Duration) error {
	tol := s.tolerance
	if tol == 0 {
		tol = frametime
	}
	for s.syncEnabled.Load() {
		p := s.partner.Load()
		if p == nil {
			return nil
		}
		if s.VirtualClock()+frametime-p.VirtualClock() <= tol {
			return nil
		}
		select {
		case <-p.tick:
		case <-p.done:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return nil
}

// pulse wakes a partner blocked in waitPartner. The channel holds one
// pending pulse; a dropped pulse is fine because the waiter re-checks the
// clocks after every wake.
func (s *Stream) pulse() {
	select {
	case s.tick <- struct{}{}:
	default:
	}
}

func (s *Stream) notifyPTS(pts int64) {
	if fn := s.onPTS.Load(); fn != nil {
		(*fn)(pts)
	}
}

// finish records the terminal state exactly once and closes Done.
// Later calls return the recorded outcome unchanged.
func (s *Stream) finish(err error) error {
	s.once.Do(func() {
		s.err = err
		stats := s.Stats()
		if err != nil {
			s.log.Warn("stream ended with error",
				"error", err,
				"frames", stats.FramesSent,
				"clock_ms", stats.VirtualClock.Milliseconds())
		} else {
			s.log.Debug("stream finished",
				"frames", stats.FramesSent,
				"clock_ms", stats.VirtualClock.Milliseconds())
		}
		close(s.done)
	})
	return s.err
}

// videoSender passes frames to the transport unmodified.
type videoSender struct {
	ts transport.Session
}

func (v *videoSender) send(f *media.Frame) error {
	return v.ts.SendVideoFrame(f.Data, f.Duration)
}
