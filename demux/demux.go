// Package demux defines the contract between an external demultiplexer and
// the paced delivery pipeline. A demuxer splits a container into elementary
// streams and exposes each as a bounded channel of PTS-ordered frames that
// the consumer pulls at its own pace; a demuxer that outruns its consumer
// blocks on the channel rather than dropping or fabricating frames.
package demux

import (
	"errors"

	"github.com/zsiec/cadence/media"
)

// ErrNoVideo is returned by demuxers when the input carries no video
// elementary stream. A video stream is a hard requirement for playback.
var ErrNoVideo = errors.New("demux: input has no video stream")

// VideoTrack couples a video stream's description with its frame sequence.
// Frames is closed by the demuxer when the source is exhausted.
type VideoTrack struct {
	Info   media.VideoInfo
	Frames <-chan *media.Frame
}

// AudioTrack couples an audio stream's description with its frame sequence.
type AudioTrack struct {
	Info   media.AudioInfo
	Frames <-chan *media.Frame
}

// Result is the outcome of demultiplexing one input. Video is always
// present (demuxers fail with ErrNoVideo otherwise); Audio is nil for
// video-only sources.
type Result struct {
	Video *VideoTrack
	Audio *AudioTrack
}
