package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/cadence/audio"
	"github.com/zsiec/cadence/demux"
	"github.com/zsiec/cadence/media"
)

// fakeTransport records the ordered control calls and frame counts a
// session makes against it.
type fakeTransport struct {
	mu          sync.Mutex
	calls       []string // control-call order, e.g. "speaking=true"
	videoFrames int
	audioFrames int
	videoErr    error
	speakingErr error
}

func (f *fakeTransport) SendVideoFrame(payload []byte, frametime time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.videoErr != nil {
		return f.videoErr
	}
	f.videoFrames++
	return nil
}

func (f *fakeTransport) SendAudioFrame(payload []byte, frametime time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioFrames++
	return nil
}

func (f *fakeTransport) SetPacketizer(codec string) error {
	f.record("packetizer=" + codec)
	return nil
}

func (f *fakeTransport) SetSpeaking(speaking bool) error {
	if speaking {
		if err := f.speakingErr; err != nil {
			return err
		}
		f.record("speaking=true")
	} else {
		f.record("speaking=false")
	}
	return nil
}

func (f *fakeTransport) SetVideoAttributes(attrs *media.VideoInfo) error {
	if attrs != nil {
		f.record("attrs=set")
	} else {
		f.record("attrs=clear")
	}
	return nil
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) countCalls(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

func videoTrack(n int, dur time.Duration) *demux.VideoTrack {
	ch := make(chan *media.Frame, n)
	for i := 0; i < n; i++ {
		ch <- &media.Frame{Data: []byte{byte(i)}, PTS: int64(i) * dur.Milliseconds(), Duration: dur}
	}
	close(ch)
	return &demux.VideoTrack{
		Info:   media.VideoInfo{Codec: "vp8", Width: 640, Height: 360, FrameRate: 30},
		Frames: ch,
	}
}

func audioTrack(n int, dur time.Duration) *demux.AudioTrack {
	ch := make(chan *media.Frame, n)
	for i := 0; i < n; i++ {
		ch <- &media.Frame{Data: []byte{0, 0}, PTS: int64(i) * dur.Milliseconds(), Duration: dur}
	}
	close(ch)
	return &demux.AudioTrack{
		Info:   media.AudioInfo{Codec: "pcm_s16le", SampleRate: 48000, Channels: 2},
		Frames: ch,
	}
}

// openVideoTrack returns a track whose channel the test feeds itself.
func openVideoTrack() (*demux.VideoTrack, chan *media.Frame) {
	ch := make(chan *media.Frame)
	return &demux.VideoTrack{
		Info:   media.VideoInfo{Codec: "vp8", Width: 640, Height: 360, FrameRate: 30},
		Frames: ch,
	}, ch
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := Start(ctx, Config{}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("no transport: got %v, want ErrNoTransport", err)
	}
	if _, err := Start(ctx, Config{Transport: &fakeTransport{}}); !errors.Is(err, ErrNoSource) {
		t.Errorf("no source: got %v, want ErrNoSource", err)
	}
	cfg := Config{Transport: &fakeTransport{}, Source: &demux.Result{Audio: audioTrack(1, 20*time.Millisecond)}}
	if _, err := Start(ctx, cfg); !errors.Is(err, ErrNoVideo) {
		t.Errorf("no video: got %v, want ErrNoVideo", err)
	}
}

func TestVideoOnlyPlayback(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}

	sess, err := Start(context.Background(), Config{
		Transport: ft,
		Source:    &demux.Result{Video: videoTrack(5, 5*time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.AudioController() != nil {
		t.Error("video-only session has an audio controller")
	}

	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ft.videoFrames != 5 {
		t.Errorf("video frames: got %d, want 5", ft.videoFrames)
	}
	if got := ft.countCalls("speaking=true"); got != 0 {
		t.Errorf("speaking set on a video-only session %d times", got)
	}
	// Attributes are announced at start and cleared exactly once at teardown.
	calls := ft.callLog()
	if len(calls) < 3 || calls[0] != "packetizer=vp8" || calls[1] != "attrs=set" {
		t.Errorf("call order: %v", calls)
	}
	if got := ft.countCalls("attrs=clear"); got != 1 {
		t.Errorf("attrs cleared %d times, want 1", got)
	}
}

func TestAudioVideoPlayback(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}

	sess, err := Start(context.Background(), Config{
		Transport:  ft,
		AudioCodec: audio.PCM16{},
		Source: &demux.Result{
			Video: videoTrack(6, 10*time.Millisecond),
			Audio: audioTrack(3, 20*time.Millisecond),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.AudioController() == nil {
		t.Fatal("no audio controller")
	}

	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ft.videoFrames != 6 {
		t.Errorf("video frames: got %d, want 6", ft.videoFrames)
	}
	// Audio finishing before video is non-terminal; all of it is delivered.
	if ft.audioFrames != 3 {
		t.Errorf("audio frames: got %d, want 3", ft.audioFrames)
	}
	for _, call := range []string{"speaking=true", "speaking=false", "attrs=clear"} {
		if got := ft.countCalls(call); got != 1 {
			t.Errorf("%s called %d times, want 1", call, got)
		}
	}
	// Teardown runs in reverse registration order.
	calls := ft.callLog()
	last := calls[len(calls)-2:]
	if last[0] != "speaking=false" || last[1] != "attrs=clear" {
		t.Errorf("teardown order: %v", calls)
	}
}

func TestCancellationMidPlayback(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	track, frames := openVideoTrack()

	ctx, cancel := context.WithCancelCause(context.Background())
	sess, err := Start(ctx, Config{
		Transport: ft,
		Source:    &demux.Result{Video: track},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	frames <- &media.Frame{Data: []byte{1}, Duration: 20 * time.Millisecond}

	cause := errors.New("operator stop")
	cancel(cause)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := sess.Wait(waitCtx); !errors.Is(err, cause) {
		t.Fatalf("Wait: got %v, want cancellation cause", err)
	}
	if got := ft.countCalls("attrs=clear"); got != 1 {
		t.Errorf("attrs cleared %d times, want 1", got)
	}
	close(frames)
}

func TestTransportErrorEndsSession(t *testing.T) {
	t.Parallel()
	sendErr := errors.New("stream reset by peer")
	ft := &fakeTransport{videoErr: sendErr}

	sess, err := Start(context.Background(), Config{
		Transport: ft,
		Source:    &demux.Result{Video: videoTrack(5, time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(context.Background()); !errors.Is(err, sendErr) {
		t.Fatalf("Wait: got %v, want transport error", err)
	}
	if got := ft.countCalls("attrs=clear"); got != 1 {
		t.Errorf("attrs cleared %d times, want 1", got)
	}
}

func TestSpeakingFailureUnwindsStart(t *testing.T) {
	t.Parallel()
	speakErr := errors.New("control stream closed")
	ft := &fakeTransport{speakingErr: speakErr}

	_, err := Start(context.Background(), Config{
		Transport: ft,
		Source: &demux.Result{
			Video: videoTrack(2, time.Millisecond),
			Audio: audioTrack(2, time.Millisecond),
		},
	})
	if !errors.Is(err, speakErr) {
		t.Fatalf("Start: got %v, want speaking error", err)
	}
	// Partial setup is rolled back: attributes announced, then cleared.
	if got := ft.countCalls("attrs=clear"); got != 1 {
		t.Errorf("attrs cleared %d times, want 1", got)
	}
	if got := ft.countCalls("speaking=false"); got != 0 {
		t.Errorf("speaking cleared %d times before it was ever set", got)
	}
}

func TestTeardownIdempotentUnderRace(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	track, frames := openVideoTrack()

	ctx, cancel := context.WithCancelCause(context.Background())
	sess, err := Start(ctx, Config{
		Transport: ft,
		Source:    &demux.Result{Video: track},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Close the input and cancel at the same time; whichever trigger wins,
	// teardown must run exactly once.
	go close(frames)
	go cancel(errors.New("late cancel"))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	_ = sess.Wait(waitCtx)

	if got := ft.countCalls("attrs=clear"); got != 1 {
		t.Errorf("attrs cleared %d times, want 1", got)
	}
}

func TestSnapshotProgress(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}

	sess, err := Start(context.Background(), Config{
		Transport:  ft,
		AudioCodec: audio.PCM16{},
		Source: &demux.Result{
			Video: videoTrack(4, 5*time.Millisecond),
			Audio: audioTrack(2, 10*time.Millisecond),
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	snap := sess.Snapshot()
	if snap.Video.FramesSent != 4 {
		t.Errorf("video frames in snapshot: got %d, want 4", snap.Video.FramesSent)
	}
	if snap.Audio == nil || snap.Audio.FramesSent != 2 {
		t.Errorf("audio stats in snapshot: got %+v", snap.Audio)
	}
	if snap.Video.VirtualClock != 20*time.Millisecond {
		t.Errorf("video virtual clock: got %v, want 20ms", snap.Video.VirtualClock)
	}
}
