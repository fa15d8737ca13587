package pacer

import (
	"log/slog"
	"time"
)

// ArmBurst puts a sync pair into startup burst mode: pacing is suspended on
// both streams and the drift check is disabled, so any backlog buffered
// upstream (container probing, decoder startup) drains to the receiver as
// fast as it arrives. The first video timestamp at or past threshold flips
// both streams back to normal paced, synchronized delivery — the transition
// happens exactly once, and the observer unsubscribes itself.
//
// audio may be nil for video-only sessions.
func ArmBurst(video, audio *Stream, threshold time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	video.SetNoSleep(true)
	video.SetSyncEnabled(false)
	if audio != nil {
		audio.SetNoSleep(true)
		// There is no cross-constraint to honor while timing is suspended.
		audio.SetSyncEnabled(false)
	}

	thresholdMS := threshold.Milliseconds()
	log.Info("burst window armed", "threshold_ms", thresholdMS)

	video.OnPTS(func(pts int64) {
		if pts < thresholdMS {
			return
		}
		video.SetSyncEnabled(true)
		video.SetNoSleep(false)
		if audio != nil {
			audio.SetSyncEnabled(true)
			audio.SetNoSleep(false)
		}
		video.OnPTS(nil)
		log.Info("burst window closed, resuming paced delivery", "pts_ms", pts)
	})
}
