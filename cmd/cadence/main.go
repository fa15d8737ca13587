// Command cadence streams a media source into a live channel over the
// QUIC reference transport, with real-time pacing and A/V sync.
//
// Send mode (default) reads CADENCE_* environment variables (a .env file
// is honored when present):
//
//	CADENCE_ADDR=localhost:4500 CADENCE_INPUT=movie.mkv cadence
//
// Receive mode runs the matching loopback receiver:
//
//	cadence recv
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/audio"
	"github.com/zsiec/cadence/demux/ffmpeg"
	"github.com/zsiec/cadence/media"
	"github.com/zsiec/cadence/preview"
	"github.com/zsiec/cadence/session"
	srtsource "github.com/zsiec/cadence/source/srt"
	transportquic "github.com/zsiec/cadence/transport/quic"
)

var version = "dev"

func main() {
	// Missing .env is fine; system env and defaults apply.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	mode := "send"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	var err error
	switch mode {
	case "send":
		err = runSend(ctx)
	case "recv":
		err = runRecv(ctx)
	default:
		err = fmt.Errorf("unknown mode %q (want send or recv)", mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("cadence failed", "error", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context) error {
	addr := os.Getenv("CADENCE_ADDR")
	if addr == "" {
		return errors.New("CADENCE_ADDR is required")
	}

	input := os.Getenv("CADENCE_INPUT")
	srtAddr := os.Getenv("CADENCE_SRT_ADDR")
	if input == "" && srtAddr == "" {
		return errors.New("one of CADENCE_INPUT or CADENCE_SRT_ADDR is required")
	}

	slog.Info("cadence starting", "version", version, "addr", addr)

	demuxCfg := ffmpeg.Config{
		Input:        input,
		VideoBitrate: envOr("CADENCE_BITRATE", "2M"),
		StartOffset:  envDurationMS("CADENCE_SEEK_MS", 0),
	}
	if srtAddr != "" {
		src, err := srtsource.Dial(ctx, srtsource.Config{
			Address:  srtAddr,
			StreamID: os.Getenv("CADENCE_SRT_STREAMID"),
		}, nil)
		if err != nil {
			return err
		}
		defer src.Close()
		demuxCfg.Input = ""
		demuxCfg.Reader = src
	}

	result, err := ffmpeg.Demux(ctx, demuxCfg)
	if err != nil {
		return err
	}

	// Optional still-image side channel: sample the video sequence at the
	// configured interval without backpressuring delivery.
	if interval := envDurationMS("CADENCE_PREVIEW_MS", 0); interval > 0 {
		result.Video.Frames = preview.Tap(result.Video.Frames, interval, func(f *media.Frame) {
			slog.Debug("preview frame", "pts_ms", f.PTS, "bytes", len(f.Data))
		}, nil)
	}

	tlsConf := transportquic.InsecureClientTLS()
	if fp := os.Getenv("CADENCE_FINGERPRINT"); fp != "" {
		pinned, err := parseFingerprint(fp)
		if err != nil {
			return err
		}
		tlsConf = transportquic.ClientTLS(pinned)
	}

	conn, err := transportquic.Dial(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess, err := session.Start(ctx, session.Config{
		Transport:     conn,
		Source:        result,
		AudioCodec:    audio.PCM16{},
		Burst:         envDurationMS("CADENCE_BURST_MS", 0),
		SyncTolerance: envDurationMS("CADENCE_SYNC_TOLERANCE_MS", 0),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Wait(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sess.Done():
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				snap := sess.Snapshot()
				slog.Info("delivery progress",
					"uptime_ms", snap.UptimeMs,
					"video_frames", snap.Video.FramesSent,
					"video_pts_ms", snap.Video.LastPTS,
				)
			}
		}
	})
	return g.Wait()
}

func runRecv(ctx context.Context) error {
	addr := envOr("CADENCE_LISTEN", ":4500")

	tlsConf, fp, err := transportquic.GenerateTLS(24 * time.Hour)
	if err != nil {
		return err
	}
	slog.Info("receiver listening",
		"addr", addr,
		"fingerprint", base64.StdEncoding.EncodeToString(fp[:]),
	)

	ln, err := transportquic.Listen(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		recv, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go logFrames(ctx, recv)
	}
}

// logFrames consumes one sender's frames and reports delivery counts.
func logFrames(ctx context.Context, recv *transportquic.Receiver) {
	log := slog.With("conn", recv.ID())
	var audioFrames, videoFrames int64

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case f := <-recv.Frames():
			if f.Kind == transportquic.KindAudio {
				audioFrames++
			} else {
				videoFrames++
			}
		case <-ticker.C:
			log.Info("receiving",
				"video_frames", videoFrames,
				"audio_frames", audioFrames,
				"speaking", recv.Speaking(),
				"packetizer", recv.Packetizer(),
			)
		case <-recv.Context().Done():
			log.Info("sender disconnected",
				"video_frames", videoFrames,
				"audio_frames", audioFrames,
			)
			return
		case <-ctx.Done():
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "key", key, "value", v)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != len(fp) {
		return fp, fmt.Errorf("CADENCE_FINGERPRINT must be a base64 SHA-256 digest")
	}
	copy(fp[:], raw)
	return fp, nil
}
