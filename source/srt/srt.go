// Package srt pulls a live container stream from a remote SRT listener
// and exposes it as an io.ReadCloser, suitable for piping into the
// ffmpeg demux adapter.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

const (
	dialTimeout = 10 * time.Second

	// defaultLatency is the SRT receive latency budget: how long the
	// protocol may buffer to recover lost packets before delivery.
	defaultLatency = 200 * time.Millisecond
)

// Config describes a remote SRT source.
type Config struct {
	// Address is the remote listener, host:port. Required.
	Address string

	// StreamID is the SRT stream identifier offered on connect.
	StreamID string

	// Latency overrides the SRT receive latency; zero uses the default.
	Latency time.Duration
}

// Source is an established SRT pull. It counts reads for diagnostics and
// closes the underlying socket on Close.
type Source struct {
	log  *slog.Logger
	conn *srtgo.Conn

	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// Stats captures connection-level metrics for a pull.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	UptimeMs      int64
}

// Dial connects to the remote SRT listener synchronously, bounded by
// dialTimeout and ctx. If log is nil, slog.Default() is used.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Source, error) {
	if cfg.Address == "" {
		return nil, errors.New("srt: address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-source", "address", cfg.Address)

	sc := srtgo.DefaultConfig()
	if cfg.Latency > 0 {
		sc.Latency = cfg.Latency
	} else {
		sc.Latency = defaultLatency
	}
	sc.StreamID = cfg.StreamID

	log.Info("dialing")

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(cfg.Address, sc)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", cfg.Address, res.err)
		}
		log.Info("connected")
		return &Source{log: log, conn: res.conn, startedAt: time.Now()}, nil
	case <-timer.C:
		drainDial(ch)
		return nil, fmt.Errorf("srt: dial %s timed out after %s", cfg.Address, dialTimeout)
	case <-ctx.Done():
		drainDial(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// drainDial collects a late dial result in the background and closes any
// leaked connection.
func drainDial(ch chan dialResult) {
	go func() {
		if res := <-ch; res.conn != nil {
			res.conn.Close()
		}
	}()
}

// Read implements io.Reader over the SRT socket, counting traffic.
func (s *Source) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Debug("read error", "error", err)
	}
	return n, err
}

// Close shuts down the SRT connection and logs the pull summary.
func (s *Source) Close() error {
	err := s.conn.Close()
	stats := s.Stats()
	s.log.Info("pull ended",
		"bytes", stats.BytesReceived,
		"reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs,
	)
	return err
}

// Stats returns a snapshot of connection metrics.
func (s *Source) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
	}
}
