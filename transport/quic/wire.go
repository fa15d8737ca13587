// Package quic provides the reference transport.Session implementation:
// a QUIC connection carrying varint-framed control messages on one
// bidirectional stream, video frames on unidirectional streams, and audio
// frames in datagrams. It also ships a minimal Listener for the receiving
// side, used by the examples and tests.
package quic

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/cadence/media"
)

// ALPN identifier negotiated on every cadence QUIC connection.
const ALPN = "cadence/1"

// Control message type IDs.
const (
	msgSetup      uint64 = 0x01
	msgSetupOK    uint64 = 0x02
	msgPacketizer uint64 = 0x10
	msgSpeaking   uint64 = 0x11
	msgVideoAttrs uint64 = 0x12
	msgGoAway     uint64 = 0x1f
)

// maxControlPayload bounds control message payloads so a misbehaving peer
// cannot force an unbounded allocation.
const maxControlPayload = 4096

// Kind tags a media frame on the wire.
type Kind uint8

// Media frame kinds.
const (
	KindAudio Kind = 0
	KindVideo Kind = 1
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

var (
	errPayloadTooLarge = errors.New("quic: control payload too large")
	errBadFrameKind    = errors.New("quic: unknown media frame kind")
)

// appendControlMsg serializes [type][length][payload] onto b.
func appendControlMsg(b []byte, msgType uint64, payload []byte) []byte {
	b = quicvarint.Append(b, msgType)
	b = quicvarint.Append(b, uint64(len(payload)))
	return append(b, payload...)
}

// readControlMsg reads one [type][length][payload] control message.
func readControlMsg(r quicvarint.Reader) (uint64, []byte, error) {
	msgType, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, err
	}
	length, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, fmt.Errorf("quic: read control length: %w", err)
	}
	if length > maxControlPayload {
		return 0, nil, errPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("quic: read control payload: %w", err)
	}
	return msgType, payload, nil
}

func appendLenString(b []byte, s string) []byte {
	b = quicvarint.Append(b, uint64(len(s)))
	return append(b, s...)
}

func readLenString(r quicvarint.Reader) (string, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return "", err
	}
	if n > maxControlPayload {
		return "", errPayloadTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// appendVideoAttrs serializes video attributes. A nil attrs encodes the
// "video inactive" state used to clear the attributes at teardown.
func appendVideoAttrs(b []byte, attrs *media.VideoInfo) []byte {
	if attrs == nil {
		return append(b, 0)
	}
	b = append(b, 1)
	b = quicvarint.Append(b, uint64(attrs.Width))
	b = quicvarint.Append(b, uint64(attrs.Height))
	b = quicvarint.Append(b, uint64(math.Round(attrs.FrameRate*1000)))
	return appendLenString(b, attrs.Codec)
}

func parseVideoAttrs(r quicvarint.Reader) (*media.VideoInfo, error) {
	active, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if active == 0 {
		return nil, nil
	}
	width, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	height, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	fpsMillis, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	codec, err := readLenString(r)
	if err != nil {
		return nil, err
	}
	return &media.VideoInfo{
		Codec:     codec,
		Width:     int(width),
		Height:    int(height),
		FrameRate: float64(fpsMillis) / 1000,
	}, nil
}

// encodeDatagram frames one media payload for datagram delivery:
// [kind][frametime_ms][payload].
func encodeDatagram(kind Kind, frametime time.Duration, payload []byte) []byte {
	b := make([]byte, 0, 2+quicvarint.Len(uint64(frametime.Milliseconds()))+len(payload))
	b = quicvarint.Append(b, uint64(kind))
	b = quicvarint.Append(b, uint64(frametime.Milliseconds()))
	return append(b, payload...)
}

// decodeDatagram is the inverse of encodeDatagram.
func decodeDatagram(b []byte) (Kind, time.Duration, []byte, error) {
	kind, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, nil, err
	}
	b = b[n:]
	ms, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, nil, err
	}
	if kind > uint64(KindVideo) {
		return 0, 0, nil, errBadFrameKind
	}
	return Kind(kind), time.Duration(ms) * time.Millisecond, b[n:], nil
}

// writeMediaStream frames one media payload for stream delivery:
// [kind][frametime_ms][length][payload]. Used for video frames and for
// audio frames too large for a datagram.
func writeMediaStream(w io.Writer, kind Kind, frametime time.Duration, payload []byte) error {
	b := make([]byte, 0, 12+len(payload))
	b = quicvarint.Append(b, uint64(kind))
	b = quicvarint.Append(b, uint64(frametime.Milliseconds()))
	b = quicvarint.Append(b, uint64(len(payload)))
	b = append(b, payload...)
	_, err := w.Write(b)
	return err
}

// readMediaStream is the inverse of writeMediaStream.
func readMediaStream(r quicvarint.Reader) (Kind, time.Duration, []byte, error) {
	kind, err := quicvarint.Read(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if kind > uint64(KindVideo) {
		return 0, 0, nil, errBadFrameKind
	}
	ms, err := quicvarint.Read(r)
	if err != nil {
		return 0, 0, nil, err
	}
	length, err := quicvarint.Read(r)
	if err != nil {
		return 0, 0, nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, err
	}
	return Kind(kind), time.Duration(ms) * time.Millisecond, payload, nil
}
