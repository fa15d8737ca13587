package ffmpeg

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// IVF is the simplest container ffmpeg can emit for VP8/VP9/AV1: a fixed
// 32-byte global header followed by [size, pts, payload] frame records.
// Each frame carries a 64-bit presentation timestamp in header timebase
// units, which is exactly what the pacer needs.
const (
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

var errInvalidIVF = fmt.Errorf("ffmpeg: invalid IVF header")

type ivfHeader struct {
	fourCC string
	width  int
	height int
	rate   uint32 // timebase denominator: pts units per second
	scale  uint32 // timebase numerator
}

// codec maps the IVF FourCC to the elementary-stream codec identifier.
func (h *ivfHeader) codec() string {
	switch h.fourCC {
	case "VP80":
		return "vp8"
	case "VP90":
		return "vp9"
	case "AV01":
		return "av1"
	}
	return h.fourCC
}

// frameDuration returns the nominal playback duration of one frame,
// assuming the encoder's convention of one pts unit per frame.
func (h *ivfHeader) frameDuration() time.Duration {
	if h.rate == 0 {
		return 0
	}
	return time.Duration(h.scale) * time.Second / time.Duration(h.rate)
}

// frameRate returns frames per second implied by the timebase.
func (h *ivfHeader) frameRate() float64 {
	if h.scale == 0 {
		return 0
	}
	return float64(h.rate) / float64(h.scale)
}

// ptsToMillis converts a frame pts from timebase units to milliseconds.
func (h *ivfHeader) ptsToMillis(pts uint64) int64 {
	if h.rate == 0 {
		return 0
	}
	return int64(pts) * 1000 * int64(h.scale) / int64(h.rate)
}

func readIVFHeader(r io.Reader) (*ivfHeader, error) {
	buf := make([]byte, ivfHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ffmpeg: read IVF header: %w", err)
	}
	if string(buf[0:4]) != "DKIF" {
		return nil, errInvalidIVF
	}
	if hdrLen := binary.LittleEndian.Uint16(buf[6:8]); hdrLen != ivfHeaderSize {
		return nil, errInvalidIVF
	}
	return &ivfHeader{
		fourCC: string(buf[8:12]),
		width:  int(binary.LittleEndian.Uint16(buf[12:14])),
		height: int(binary.LittleEndian.Uint16(buf[14:16])),
		rate:   binary.LittleEndian.Uint32(buf[16:20]),
		scale:  binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

// ivfReader yields successive frame payloads with their raw pts values.
type ivfReader struct {
	r   io.Reader
	hdr *ivfHeader
}

func newIVFReader(r io.Reader) (*ivfReader, error) {
	hdr, err := readIVFHeader(r)
	if err != nil {
		return nil, err
	}
	return &ivfReader{r: r, hdr: hdr}, nil
}

// Next returns the next frame payload and its pts in timebase units.
// It returns io.EOF cleanly at end of stream.
func (ir *ivfReader) Next() ([]byte, uint64, error) {
	var fh [ivfFrameHeaderSize]byte
	if _, err := io.ReadFull(ir.r, fh[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(fh[0:4])
	pts := binary.LittleEndian.Uint64(fh[4:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(ir.r, payload); err != nil {
		return nil, 0, fmt.Errorf("ffmpeg: truncated IVF frame: %w", err)
	}
	return payload, pts, nil
}
