// Package ffmpeg adapts an ffmpeg subprocess pipeline to the demux
// contract: arbitrary input media is transcoded into a VP8/VP9 IVF video
// elementary stream and a 48 kHz stereo s16le PCM audio stream, each
// exposed as a bounded channel of PTS-tagged frames. The sequences are
// restartable at the source (run Demux again) but not mid-stream.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// Audio output contract: every audio frame is 20 ms of 48 kHz stereo PCM.
const (
	AudioFrameDuration = 20 * time.Millisecond
	AudioSampleRate    = 48000
	AudioChannels      = 2
)

var errNoInput = errors.New("ffmpeg: either Input or Reader must be set")

// Config describes one demux run.
type Config struct {
	// Input is a file path or URL. Mutually exclusive with Reader.
	Input string

	// Reader streams container bytes via the subprocess's stdin, for
	// live sources such as an SRT pull.
	Reader io.Reader

	// Info is a pre-probed description of the source. When nil and Input
	// is set, the source is probed with ffprobe. Pipe inputs cannot be
	// probed (the stream is not restartable), so Reader inputs without
	// Info are assumed to carry an audio stream.
	Info *SourceInfo

	// StartOffset seeks into the source before demuxing begins.
	StartOffset time.Duration

	// VideoBitrate is the transcode target bitrate, e.g. "2M".
	// Empty uses ffmpeg's codec default.
	VideoBitrate string

	// FFmpegBinary and FFprobeBinary override the executables looked up
	// on PATH. Empty means "ffmpeg" and "ffprobe".
	FFmpegBinary  string
	FFprobeBinary string

	Log *slog.Logger
}

// Demux starts the subprocess pipeline and returns once the video stream's
// parameters are known (the IVF global header has been read). Frame
// delivery then continues on background goroutines until the source is
// exhausted or ctx is cancelled; each track's channel is closed when its
// elementary stream ends.
func Demux(ctx context.Context, cfg Config) (*demux.Result, error) {
	if cfg.Input == "" && cfg.Reader == nil {
		return nil, errNoInput
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ffmpeg-demux")

	info := cfg.Info
	if info == nil {
		if cfg.Input != "" {
			probed, err := Probe(ctx, cfg.FFprobeBinary, cfg.Input)
			if err != nil {
				return nil, err
			}
			info = probed
		} else {
			// Pipe input without probe metadata: assume audio is present.
			// A silent source simply closes the audio track immediately.
			info = &SourceInfo{
				Video: &media.VideoInfo{},
				Audio: &media.AudioInfo{},
			}
		}
	}
	if info.Video == nil {
		return nil, demux.ErrNoVideo
	}
	withAudio := info.Audio != nil

	binary := cfg.FFmpegBinary
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if cfg.StartOffset > 0 {
		// Before -i for fast input-side seeking.
		args = append(args, "-ss", strconv.FormatFloat(cfg.StartOffset.Seconds(), 'f', 3, 64))
	}
	if cfg.Input != "" {
		args = append(args, "-i", cfg.Input)
	} else {
		args = append(args, "-i", "pipe:0")
	}

	args = append(args, "-map", "0:v:0", "-c:v", "libvpx", "-deadline", "realtime")
	if cfg.VideoBitrate != "" {
		args = append(args, "-b:v", cfg.VideoBitrate)
	}
	args = append(args, "-f", "ivf", "pipe:1")

	if withAudio {
		args = append(args,
			"-map", "0:a:0",
			"-ac", strconv.Itoa(AudioChannels),
			"-ar", strconv.Itoa(AudioSampleRate),
			"-f", "s16le", "pipe:3",
		)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if cfg.Reader != nil {
		cmd.Stdin = cfg.Reader
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	videoOut, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}

	var audioOut *os.File
	if withAudio {
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: audio pipe: %w", err)
		}
		// The write end becomes the child's fd 3 ("pipe:3").
		cmd.ExtraFiles = []*os.File{pw}
		audioOut = pr
		defer pw.Close()
	}

	if err := cmd.Start(); err != nil {
		if audioOut != nil {
			audioOut.Close()
		}
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	go func() {
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			log.Warn("ffmpeg exited with error",
				"error", err,
				"stderr", stderr.String())
		}
	}()

	// The IVF global header carries the transcoded stream's parameters;
	// reading it synchronously lets callers see real dimensions and codec
	// before any frame is dispatched.
	ivf, err := newIVFReader(videoOut)
	if err != nil {
		// The child is already running; don't leave it to the caller's ctx.
		_ = cmd.Process.Kill()
		if audioOut != nil {
			audioOut.Close()
		}
		return nil, err
	}

	videoInfo := media.VideoInfo{
		Codec:     ivf.hdr.codec(),
		Width:     ivf.hdr.width,
		Height:    ivf.hdr.height,
		FrameRate: ivf.hdr.frameRate(),
	}
	if info.Video.FrameRate > 0 {
		// Prefer the probed source rate; the IVF timebase is only the
		// encoder's convention.
		videoInfo.FrameRate = info.Video.FrameRate
	}

	result := &demux.Result{}

	videoCh := make(chan *media.Frame, media.VideoBufferSize)
	result.Video = &demux.VideoTrack{Info: videoInfo, Frames: videoCh}
	go pumpVideo(ctx, ivf, videoCh, log)

	if withAudio {
		audioCh := make(chan *media.Frame, media.AudioBufferSize)
		result.Audio = &demux.AudioTrack{
			Info: media.AudioInfo{
				Codec:      "pcm_s16le",
				SampleRate: AudioSampleRate,
				Channels:   AudioChannels,
			},
			Frames: audioCh,
		}
		chunker := newPCMChunker(audioOut, AudioSampleRate, AudioChannels, AudioFrameDuration)
		go pumpAudio(ctx, chunker, audioOut, audioCh, log)
	}

	return result, nil
}

func pumpVideo(ctx context.Context, ivf *ivfReader, out chan<- *media.Frame, log *slog.Logger) {
	defer close(out)

	frameDur := ivf.hdr.frameDuration()
	for {
		payload, pts, err := ivf.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn("video stream read failed", "error", err)
			}
			return
		}
		f := &media.Frame{
			Data:     payload,
			PTS:      ivf.hdr.ptsToMillis(pts),
			Duration: frameDur,
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}

func pumpAudio(ctx context.Context, chunker *pcmChunker, src io.Closer, out chan<- *media.Frame, log *slog.Logger) {
	defer close(out)
	defer src.Close()

	for {
		f, err := chunker.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn("audio stream read failed", "error", err)
			}
			return
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
}
