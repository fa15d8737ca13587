package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zsiec/cadence/media"
)

// SourceInfo describes the elementary streams found in an input, as
// reported by ffprobe. Audio is nil when the source carries none.
type SourceInfo struct {
	Video *media.VideoInfo
	Audio *media.AudioInfo
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

// Probe inspects input with ffprobe and reports its elementary streams.
// binary defaults to "ffprobe" when empty.
func Probe(ctx context.Context, binary, input string) (*SourceInfo, error) {
	if binary == "" {
		binary = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, binary,
		"-hide_banner", "-loglevel", "error",
		"-print_format", "json",
		"-show_streams",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe: %s", strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("ffprobe: parse output: %w", err)
	}

	info := &SourceInfo{}
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if info.Video != nil {
				continue // first video stream wins
			}
			info.Video = &media.VideoInfo{
				Codec:     s.CodecName,
				Width:     s.Width,
				Height:    s.Height,
				FrameRate: parseRational(s.AvgFrameRate),
			}
		case "audio":
			if info.Audio != nil {
				continue
			}
			rate, _ := strconv.Atoi(s.SampleRate)
			info.Audio = &media.AudioInfo{
				Codec:      s.CodecName,
				SampleRate: rate,
				Channels:   s.Channels,
			}
		}
	}
	return info, nil
}

// parseRational converts ffprobe's "num/den" frame-rate notation to a
// float, returning 0 for degenerate values like "0/0".
func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
