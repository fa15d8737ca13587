// Package session orchestrates one playback: it wires a demux result to a
// pair of paced streams and a transport session, arms the startup burst
// window, and races completion, stream failure, and cancellation into a
// single terminal outcome with idempotent teardown.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/cadence/audio"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/pacer"
	"github.com/zsiec/cadence/transport"
)

// Precondition failures reported by Start before any session state exists.
var (
	ErrNoTransport = errors.New("session: no transport session")
	ErrNoSource    = errors.New("session: no demux source")
	ErrNoVideo     = errors.New("session: source has no video stream")
)

// errPlaybackDone is the internal cancellation cause used to unwind the
// audio stream once the video stream finishes normally.
var errPlaybackDone = errors.New("session: playback complete")

// Config describes one playback session.
type Config struct {
	// Transport is the established network session. Required.
	Transport transport.Session

	// Source is the demultiplexed input. Source.Video is required;
	// Source.Audio may be nil for video-only playback.
	Source *demux.Result

	// AudioCodec decodes and re-encodes audio frames for volume scaling.
	// Optional: without it, volume changes fall back to forwarding
	// frames unmodified.
	AudioCodec audio.Codec

	// Burst, when positive, suspends pacing at startup until the video
	// presentation clock reaches this threshold. Zero disables burst.
	Burst time.Duration

	// SyncTolerance bounds how far either stream's virtual clock may lead
	// its partner's. Zero means one nominal frametime of the leading stream.
	SyncTolerance time.Duration

	// Log is the parent logger; nil uses slog.Default().
	Log *slog.Logger
}

// Session is one live playback. The caller retains it to observe
// completion and to control audio at runtime; all delivery work happens on
// internal goroutines.
type Session struct {
	ID string

	log   *slog.Logger
	ctl   *pacer.Controller
	video *pacer.Stream
	audio *pacer.Stream

	cancel  context.CancelCauseFunc
	started time.Time

	cleanupMu   sync.Mutex
	cleanups    []func()
	cleanupOnce sync.Once

	done chan struct{}
	err  error
}

// Snapshot is a point-in-time view of a session's delivery progress.
type Snapshot struct {
	UptimeMs int64
	Video    pacer.StreamStats
	Audio    *pacer.StreamStats
}

// Start validates preconditions, configures the transport, and begins
// paced delivery. It returns immediately; the caller observes completion
// through Done or Wait. Cancelling ctx is the single cancellation token
// for the whole session: in-flight pacing and sync waits wake promptly,
// teardown runs exactly once, and Wait reports the cancellation cause.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	if cfg.Source.Video == nil {
		return nil, ErrNoVideo
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("session", id)

	ts := cfg.Transport
	videoInfo := cfg.Source.Video.Info

	if err := ts.SetPacketizer(videoInfo.Codec); err != nil {
		return nil, err
	}
	if err := ts.SetVideoAttributes(&videoInfo); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)

	s := &Session{
		ID:      id,
		log:     log,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	s.video = pacer.NewVideo(cfg.Source.Video.Frames, ts, cfg.SyncTolerance, log)
	s.addCleanup(func() {
		if err := ts.SetVideoAttributes(nil); err != nil {
			log.Warn("clearing video attributes failed", "error", err)
		}
	})

	if cfg.Source.Audio != nil {
		s.audio, s.ctl = pacer.NewAudio(cfg.Source.Audio.Frames, ts, cfg.AudioCodec, cfg.SyncTolerance, log)
		pacer.Pair(s.video, s.audio)
		s.addCleanup(func() {
			pacer.Unpair(s.video, s.audio)
		})

		if err := ts.SetSpeaking(true); err != nil {
			s.runCleanups()
			cancel(nil)
			return nil, err
		}
		s.addCleanup(func() {
			if err := ts.SetSpeaking(false); err != nil {
				log.Warn("clearing speaking state failed", "error", err)
			}
		})
	}

	if cfg.Burst > 0 {
		pacer.ArmBurst(s.video, s.audio, cfg.Burst, log)
	}

	log.Info("session started",
		"codec", videoInfo.Codec,
		"width", videoInfo.Width,
		"height", videoInfo.Height,
		"fps", videoInfo.FrameRate,
		"has_audio", s.audio != nil,
		"burst_ms", cfg.Burst.Milliseconds(),
	)

	go s.run(runCtx)
	return s, nil
}

// AudioController returns the runtime mute/volume handle, or nil for
// video-only sessions. The handle stays safe to call after teardown but
// no longer affects anything.
func (s *Session) AudioController() *pacer.Controller { return s.ctl }

// Done is closed after teardown completes, on any terminal path.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the session outcome: nil on normal completion, the
// cancellation cause on cancellation, or the originating stream error.
// Only valid after Done is closed.
func (s *Session) Err() error { return s.err }

// Wait blocks until the session reaches a terminal state and returns its
// outcome, or until ctx is cancelled.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Snapshot returns current delivery progress for diagnostics.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeMs: time.Since(s.started).Milliseconds(),
		Video:    s.video.Stats(),
	}
	if s.audio != nil {
		stats := s.audio.Stats()
		snap.Audio = &stats
	}
	return snap
}

// run drives both streams and resolves the first terminal trigger:
// cancellation, a stream error, or the video stream finishing. Audio
// finishing early is not terminal; playback continues on video alone.
func (s *Session) run(ctx context.Context) {
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.video.Run(ctx, start)
	}()

	var audioDone <-chan struct{}
	if s.audio != nil {
		audioDone = s.audio.Done()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.audio.Run(ctx, start)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			s.finish(&wg, context.Cause(ctx))
			return

		case <-s.video.Done():
			// A cancellation racing the video finish is reported as a
			// cancellation; the caller asked to stop and teardown is the
			// same either way.
			if ctx.Err() != nil {
				s.finish(&wg, context.Cause(ctx))
				return
			}
			s.finish(&wg, s.video.Err())
			return

		case <-audioDone:
			if err := s.audio.Err(); err != nil {
				s.finish(&wg, err)
				return
			}
			// Audio source exhausted; keep waiting on video.
			audioDone = nil
		}
	}
}

// finish unwinds the streams, runs the cleanup actions exactly once, and
// publishes the outcome. Teardown always completes before Done observers
// see the result.
func (s *Session) finish(wg *sync.WaitGroup, err error) {
	cause := err
	if cause == nil {
		cause = errPlaybackDone
	}
	s.cancel(cause)
	wg.Wait()

	s.runCleanups()

	s.err = err
	if err != nil {
		s.log.Info("session ended", "error", err)
	} else {
		s.log.Info("session completed")
	}
	close(s.done)
}

func (s *Session) addCleanup(fn func()) {
	s.cleanupMu.Lock()
	s.cleanups = append(s.cleanups, fn)
	s.cleanupMu.Unlock()
}

// runCleanups executes registered cleanup actions in reverse order, at
// most once across all terminal paths.
func (s *Session) runCleanups() {
	s.cleanupOnce.Do(func() {
		s.cleanupMu.Lock()
		cleanups := s.cleanups
		s.cleanups = nil
		s.cleanupMu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	})
}
