package ffmpeg

import (
	"io"
	"time"

	"github.com/zsiec/cadence/media"
)

// pcmChunker slices a continuous s16le byte stream into fixed-duration
// frames with synthesized timestamps. PCM has no framing of its own, so
// the chunk size is the frame contract: sampleRate*channels*2 bytes per
// second, scaled to the frame duration.
type pcmChunker struct {
	r          io.Reader
	frameBytes int
	frameDur   time.Duration
	index      int64
}

func newPCMChunker(r io.Reader, sampleRate, channels int, frameDur time.Duration) *pcmChunker {
	bytesPerSecond := sampleRate * channels * 2
	return &pcmChunker{
		r:          r,
		frameBytes: int(int64(bytesPerSecond) * int64(frameDur) / int64(time.Second)),
		frameDur:   frameDur,
	}
}

// Next returns the next audio frame, zero-padding a short final read so
// every frame keeps its nominal duration. Returns io.EOF at end of stream.
func (c *pcmChunker) Next() (*media.Frame, error) {
	buf := make([]byte, c.frameBytes)
	n, err := io.ReadFull(c.r, buf)
	if n == 0 {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}

	f := &media.Frame{
		Data:     buf,
		PTS:      c.index * c.frameDur.Milliseconds(),
		Duration: c.frameDur,
	}
	c.index++
	return f, nil
}
