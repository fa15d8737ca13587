package quic

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/cadence/media"
)

// receiverFrameBuffer absorbs bursts between the network loops and the
// consumer; frames beyond it are dropped rather than backpressuring QUIC.
const receiverFrameBuffer = 256

// Listener accepts cadence sender connections.
type Listener struct {
	log *slog.Logger
	ln  *quic.Listener
}

// Listen binds a QUIC listener for cadence sessions on addr.
func Listen(addr string, tlsConf *tls.Config, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Listener{log: log.With("component", "quic-listener"), ln: ln}, nil
}

// Addr returns the bound address, useful with ":0" listeners.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for a sender, performs the setup exchange, and starts the
// receive loops.
func (l *Listener) Accept(ctx context.Context) (*Receiver, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	control, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(1, "control stream accept failed")
		return nil, fmt.Errorf("quic: accept control stream: %w", err)
	}

	cr := quicvarint.NewReader(control)
	msgType, payload, err := readControlMsg(cr)
	if err != nil {
		qc.CloseWithError(1, "setup failed")
		return nil, fmt.Errorf("quic: read setup: %w", err)
	}
	if msgType != msgSetup {
		qc.CloseWithError(1, "setup expected")
		return nil, fmt.Errorf("quic: expected setup (0x%x), got 0x%x", msgSetup, msgType)
	}
	id, err := readLenString(bytes.NewReader(payload))
	if err != nil {
		qc.CloseWithError(1, "bad setup")
		return nil, fmt.Errorf("quic: parse setup: %w", err)
	}
	if _, err := control.Write(appendControlMsg(nil, msgSetupOK, nil)); err != nil {
		qc.CloseWithError(1, "setup response failed")
		return nil, fmt.Errorf("quic: write setup response: %w", err)
	}

	r := &Receiver{
		log:     l.log.With("conn", id),
		id:      id,
		qc:      qc,
		control: cr,
		frames:  make(chan ReceivedFrame, receiverFrameBuffer),
	}
	go r.controlLoop()
	go r.datagramLoop()
	go r.streamLoop()

	r.log.Info("sender connected", "remote", qc.RemoteAddr())
	return r, nil
}

// ReceivedFrame is one media frame delivered by a sender.
type ReceivedFrame struct {
	Kind      Kind
	Frametime time.Duration
	Payload   []byte
}

// Receiver is the receiving end of one sender connection. It tracks the
// sender's published connection attributes and exposes incoming frames on
// a drop-oldest-under-load channel.
type Receiver struct {
	log     *slog.Logger
	id      string
	qc      quic.Connection
	control quicvarint.Reader
	frames  chan ReceivedFrame

	mu         sync.RWMutex
	speaking   bool
	packetizer string
	attrs      *media.VideoInfo

	dropped atomic.Int64
}

// ID returns the sender's session identifier.
func (r *Receiver) ID() string { return r.id }

// Frames returns the incoming media frame channel.
func (r *Receiver) Frames() <-chan ReceivedFrame { return r.frames }

// Context ends when the underlying connection closes.
func (r *Receiver) Context() context.Context { return r.qc.Context() }

// Speaking reports the sender's current speaking attribute.
func (r *Receiver) Speaking() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.speaking
}

// Packetizer returns the most recently selected packetizer codec.
func (r *Receiver) Packetizer() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.packetizer
}

// VideoAttributes returns the sender's published video attributes, or nil
// when video is inactive.
func (r *Receiver) VideoAttributes() *media.VideoInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attrs
}

func (r *Receiver) controlLoop() {
	for {
		msgType, payload, err := readControlMsg(r.control)
		if err != nil {
			if r.qc.Context().Err() == nil {
				r.log.Debug("control read ended", "error", err)
			}
			return
		}

		switch msgType {
		case msgPacketizer:
			codec, err := readLenString(bytes.NewReader(payload))
			if err != nil {
				r.log.Warn("bad packetizer message", "error", err)
				continue
			}
			r.mu.Lock()
			r.packetizer = codec
			r.mu.Unlock()
			r.log.Debug("packetizer selected", "codec", codec)

		case msgSpeaking:
			speaking := len(payload) == 1 && payload[0] == 1
			r.mu.Lock()
			r.speaking = speaking
			r.mu.Unlock()

		case msgVideoAttrs:
			attrs, err := parseVideoAttrs(bytes.NewReader(payload))
			if err != nil {
				r.log.Warn("bad video attributes", "error", err)
				continue
			}
			r.mu.Lock()
			r.attrs = attrs
			r.mu.Unlock()

		case msgGoAway:
			r.log.Debug("sender leaving")

		default:
			r.log.Debug("unknown control message", "type", msgType)
		}
	}
}

func (r *Receiver) datagramLoop() {
	ctx := r.qc.Context()
	for {
		data, err := r.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		kind, frametime, payload, err := decodeDatagram(data)
		if err != nil {
			r.log.Warn("bad datagram", "error", err)
			continue
		}
		r.deliver(ReceivedFrame{Kind: kind, Frametime: frametime, Payload: payload})
	}
}

func (r *Receiver) streamLoop() {
	ctx := r.qc.Context()
	for {
		st, err := r.qc.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go func() {
			kind, frametime, payload, err := readMediaStream(quicvarint.NewReader(st))
			if err != nil {
				r.log.Warn("bad media stream", "error", err)
				return
			}
			r.deliver(ReceivedFrame{Kind: kind, Frametime: frametime, Payload: payload})
		}()
	}
}

func (r *Receiver) deliver(f ReceivedFrame) {
	select {
	case r.frames <- f:
	default:
		r.dropped.Add(1)
		r.log.Debug("receiver buffer full, dropping frame", "kind", f.Kind)
	}
}
