package pacer

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/cadence/media"
)

func burstFlags(s *Stream) (noSleep, syncEnabled bool) {
	return s.noSleep.Load(), s.syncEnabled.Load()
}

func TestArmBurstSuspendsBothStreams(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	video := NewVideo(nil, ft, 0, nil)
	audioStream, _ := NewAudio(nil, ft, nil, 0, nil)

	ArmBurst(video, audioStream, 500*time.Millisecond, nil)

	for _, s := range []*Stream{video, audioStream} {
		noSleep, syncEnabled := burstFlags(s)
		if !noSleep || syncEnabled {
			t.Errorf("%s flags after arm: noSleep=%v sync=%v, want true/false", s.role, noSleep, syncEnabled)
		}
	}
}

func TestBurstTransitionAtThreshold(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}

	const dur = 30 * time.Millisecond
	in := make(chan *media.Frame)
	video := NewVideo(in, ft, 0, nil)
	audioStream, _ := NewAudio(nil, ft, nil, 0, nil)
	ArmBurst(video, audioStream, 100*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- video.Run(context.Background(), time.Now()) }()

	send := func(pts int64) {
		in <- &media.Frame{Data: []byte{1}, PTS: pts, Duration: dur}
	}

	// PTS 0, 30, 60, 90 are all below the 100ms threshold.
	for _, pts := range []int64{0, 30, 60, 90} {
		send(pts)
	}
	waitForFrames(t, video, 4)
	if noSleep, syncEnabled := burstFlags(video); !noSleep || syncEnabled {
		t.Fatal("burst closed before threshold reached")
	}

	// First PTS at or past the threshold flips both streams back.
	send(120)
	waitForFrames(t, video, 5)
	for _, s := range []*Stream{video, audioStream} {
		noSleep, syncEnabled := burstFlags(s)
		if noSleep || !syncEnabled {
			t.Errorf("%s flags after threshold: noSleep=%v sync=%v, want false/true", s.role, noSleep, syncEnabled)
		}
	}
	if video.onPTS.Load() != nil {
		t.Error("burst observer still installed after transition")
	}

	// The transition is one-shot: later frames never re-trigger it.
	video.SetNoSleep(true)
	send(150)
	waitForFrames(t, video, 6)
	if noSleep, _ := burstFlags(video); !noSleep {
		t.Error("later frame re-ran the burst transition")
	}

	close(in)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestArmBurstVideoOnly(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}

	in := make(chan *media.Frame, 1)
	in <- &media.Frame{Data: []byte{1}, PTS: 200, Duration: 20 * time.Millisecond}
	close(in)

	video := NewVideo(in, ft, 0, nil)
	ArmBurst(video, nil, 100*time.Millisecond, nil)

	if err := video.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if noSleep, syncEnabled := burstFlags(video); noSleep || !syncEnabled {
		t.Errorf("flags after threshold: noSleep=%v sync=%v, want false/true", noSleep, syncEnabled)
	}
}

// waitForFrames blocks until the stream has dispatched n frames.
func waitForFrames(t *testing.T, s *Stream, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.framesSent.Load() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames (have %d)", n, s.framesSent.Load())
		}
		time.Sleep(time.Millisecond)
	}
}
