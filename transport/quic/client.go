package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/transport"
)

// Compile-time interface check.
var _ transport.Session = (*Conn)(nil)

// Conn is an established sending session. Control messages share one
// bidirectional stream guarded by a mutex; video frames each ride their
// own unidirectional stream; audio frames go out as datagrams, falling
// back to a stream when a frame exceeds the datagram size limit.
type Conn struct {
	log     *slog.Logger
	id      string
	qc      quic.Connection
	control quic.Stream

	controlMu sync.Mutex

	// connCtx ends when the QUIC connection closes; it bounds uni-stream
	// opens so sends never block past connection death.
	connCtx context.Context
}

// Dial connects to a cadence receiver at addr and performs the setup
// exchange. tlsConf must negotiate the cadence ALPN; ClientTLS and
// InsecureClientTLS produce suitable configs.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	if tlsConf == nil {
		return nil, errors.New("quic: tls config is required")
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPN}
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", addr, err)
	}

	control, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(1, "control stream open failed")
		return nil, fmt.Errorf("quic: open control stream: %w", err)
	}

	id := uuid.NewString()
	c := &Conn{
		log:     log.With("component", "quic-transport", "conn", id),
		id:      id,
		qc:      qc,
		control: control,
		connCtx: qc.Context(),
	}

	if err := c.sendControl(msgSetup, appendLenString(nil, id)); err != nil {
		qc.CloseWithError(1, "setup failed")
		return nil, fmt.Errorf("quic: send setup: %w", err)
	}
	msgType, _, err := readControlMsg(quicvarint.NewReader(control))
	if err != nil {
		qc.CloseWithError(1, "setup failed")
		return nil, fmt.Errorf("quic: read setup response: %w", err)
	}
	if msgType != msgSetupOK {
		qc.CloseWithError(1, "setup rejected")
		return nil, fmt.Errorf("quic: unexpected setup response 0x%x", msgType)
	}

	c.log.Info("connected", "addr", addr)
	return c, nil
}

// ID returns this connection's session identifier.
func (c *Conn) ID() string { return c.id }

// SendAudioFrame transmits one audio frame as a datagram, or over a
// short-lived unidirectional stream when it exceeds the datagram limit.
func (c *Conn) SendAudioFrame(payload []byte, frametime time.Duration) error {
	err := c.qc.SendDatagram(encodeDatagram(KindAudio, frametime, payload))
	if err == nil {
		return nil
	}
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return c.sendFrameStream(KindAudio, frametime, payload)
	}
	return fmt.Errorf("quic: send audio datagram: %w", err)
}

// SendVideoFrame transmits one video frame on its own unidirectional
// stream, preserving frame boundaries without a datagram size ceiling.
func (c *Conn) SendVideoFrame(payload []byte, frametime time.Duration) error {
	return c.sendFrameStream(KindVideo, frametime, payload)
}

func (c *Conn) sendFrameStream(kind Kind, frametime time.Duration, payload []byte) error {
	st, err := c.qc.OpenUniStreamSync(c.connCtx)
	if err != nil {
		return fmt.Errorf("quic: open %s stream: %w", kind, err)
	}
	if err := writeMediaStream(st, kind, frametime, payload); err != nil {
		st.CancelWrite(1)
		return fmt.Errorf("quic: write %s frame: %w", kind, err)
	}
	return st.Close()
}

// SetPacketizer selects the receiver-side payload packetizer.
func (c *Conn) SetPacketizer(codec string) error {
	return c.sendControl(msgPacketizer, appendLenString(nil, codec))
}

// SetSpeaking publishes the speaking attribute.
func (c *Conn) SetSpeaking(speaking bool) error {
	b := []byte{0}
	if speaking {
		b[0] = 1
	}
	return c.sendControl(msgSpeaking, b)
}

// SetVideoAttributes publishes resolution and frame rate; nil clears the
// video-active state.
func (c *Conn) SetVideoAttributes(attrs *media.VideoInfo) error {
	return c.sendControl(msgVideoAttrs, appendVideoAttrs(nil, attrs))
}

// Close announces departure on the control stream and closes the
// connection.
func (c *Conn) Close() error {
	_ = c.sendControl(msgGoAway, nil)
	return c.qc.CloseWithError(0, "done")
}

func (c *Conn) sendControl(msgType uint64, payload []byte) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	if _, err := c.control.Write(appendControlMsg(nil, msgType, payload)); err != nil {
		return fmt.Errorf("quic: write control 0x%x: %w", msgType, err)
	}
	return nil
}
