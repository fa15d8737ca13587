// Package preview implements the still-image side channel: an observer on
// the raw video frame sequence that hands an occasional frame to a caller
// callback for thumbnail decoding. It is best-effort by contract — frames
// are sampled at most once per interval and dropped whenever the callback
// is still busy, so the observer never backpressures the paced pipeline.
package preview

import (
	"log/slog"
	"time"

	"github.com/zsiec/cadence/media"
)

// Tap interposes a sampling observer on frames, returning a channel that
// carries every input frame through unchanged. fn receives at most one
// frame per interval, invoked on a dedicated goroutine. The returned
// channel closes when frames closes.
func Tap(frames <-chan *media.Frame, interval time.Duration, fn func(*media.Frame), log *slog.Logger) <-chan *media.Frame {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "preview")

	out := make(chan *media.Frame, media.VideoBufferSize)
	pending := make(chan *media.Frame, 1)

	go func() {
		for f := range pending {
			fn(f)
		}
	}()

	go func() {
		defer close(out)
		defer close(pending)

		var sampled int64
		var lastSample time.Time
		for f := range frames {
			if time.Since(lastSample) >= interval {
				select {
				case pending <- f:
					lastSample = time.Now()
					sampled++
				default:
					// Callback still busy; skip this one.
				}
			}
			out <- f
		}
		log.Debug("video source ended", "sampled", sampled)
	}()

	return out
}
