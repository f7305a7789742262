package stream

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Waupie/home-security-camera/internal/device"
	"github.com/Waupie/home-security-camera/internal/encoder"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/movement"
)

func newPipeline(t *testing.T, src device.Source, fps int, opts ...Option) (*Pipeline, *device.Arbiter) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	arb := device.NewArbiter()
	enc := encoder.New(encoder.WithLogger(logger), encoder.WithPlaceholderSize(64, 48))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return New(src, arb, enc, Config{FPS: fps, Quality: 80}, opts...), arb
}

func assertJPEG(t *testing.T, data []byte) {
	t.Helper()
	if len(data) == 0 {
		t.Fatal("empty JPEG")
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("invalid JPEG: %v", err)
	}
}

func TestUnavailableDeviceStillStreams(t *testing.T) {
	p, _ := newPipeline(t, device.Unavailable{}, 20)

	assertJPEG(t, p.Snapshot(context.Background()))

	frames, cancel := p.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	deadline := time.After(600 * time.Millisecond)
	got := 0
collect:
	for {
		select {
		case f := <-frames:
			if !f.Placeholder {
				t.Fatal("unavailable device produced a camera frame")
			}
			assertJPEG(t, f.JPEG)
			got++
		case <-deadline:
			break collect
		}
	}
	stop()
	wg.Wait()

	// 20 fps for 600ms is 12 frames; allow for scheduler slack.
	if got < 6 || got > 14 {
		t.Fatalf("received %d frames in 600ms at 20fps", got)
	}
	if s := p.Stats(); s.Encoded != 0 || s.Placeholders == 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRunTwice(t *testing.T) {
	p, _ := newPipeline(t, device.Unavailable{}, 50)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	for !p.Running() {
		time.Sleep(time.Millisecond)
	}
	if err := p.Run(ctx); err != ErrRunning {
		t.Fatalf("second Run = %v, want ErrRunning", err)
	}
	cancel()
	<-done
}

func TestRecordingHoldsLastRealFrame(t *testing.T) {
	src := device.NewTestPatternDevice(device.Options{Width: 64, Height: 48, FPS: 30}, zaptest.NewLogger(t))
	p, arb := newPipeline(t, src, 30)
	ctx := context.Background()

	// Device taken before any real frame: placeholder.
	if err := arb.Acquire(ctx, device.OwnerRecorder); err != nil {
		t.Fatal(err)
	}
	if f := p.step(ctx); !f.Placeholder {
		t.Fatal("expected placeholder before the first camera frame")
	}
	arb.Release(device.OwnerRecorder)

	live := p.step(ctx)
	if live.Placeholder {
		t.Fatal("free device produced a placeholder")
	}
	assertJPEG(t, live.JPEG)

	if err := arb.Acquire(ctx, device.OwnerRecorder); err != nil {
		t.Fatal(err)
	}
	held := p.step(ctx)
	if held.Placeholder || !bytes.Equal(held.JPEG, live.JPEG) {
		t.Fatal("recording did not re-serve the last camera frame")
	}
	if held.Sequence <= live.Sequence {
		t.Errorf("sequence did not advance: %d -> %d", live.Sequence, held.Sequence)
	}
	assertJPEG(t, p.Snapshot(ctx))
	arb.Release(device.OwnerRecorder)

	if s := p.Stats(); s.Reused != 1 || s.Encoded != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if arb.Owner() != device.OwnerNone {
		t.Fatalf("arbiter left held by %q", arb.Owner())
	}
}

func TestDetectorRunsOnCameraFrames(t *testing.T) {
	src := device.NewTestPatternDevice(device.Options{Width: 64, Height: 48, FPS: 30}, zaptest.NewLogger(t))
	state := movement.NewState(time.Second)
	det, err := motion.NewDetector(motion.DefaultConfig(), state, motion.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	p, _ := newPipeline(t, src, 30, WithDetector(det))

	for i := 0; i < 5; i++ {
		p.step(context.Background())
	}
	if got := det.GetStats().FramesProcessed; got != 5 {
		t.Fatalf("detector saw %d frames, want 5", got)
	}
}

func TestHangingCameraKeepsCadence(t *testing.T) {
	// Every open attempt hangs well past the frame period, then fails.
	cam := device.NewReopener(func(ctx context.Context) (device.Device, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, errors.New("probe timed out")
	},
		device.WithReopenLogger(zaptest.NewLogger(t)),
		device.WithBackoff(50*time.Millisecond, 50*time.Millisecond),
	)
	defer cam.Close()
	p, _ := newPipeline(t, cam, 20)

	frames, cancel := p.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	deadline := time.After(time.Second)
	got := 0
	var last time.Time
	var maxGap time.Duration
collect:
	for {
		select {
		case f := <-frames:
			if !f.Placeholder {
				t.Fatal("hanging camera produced a camera frame")
			}
			now := time.Now()
			if !last.IsZero() {
				maxGap = max(maxGap, now.Sub(last))
			}
			last = now
			got++
		case <-deadline:
			break collect
		}
	}
	stop()
	wg.Wait()

	// 20 fps for 1s is 20 frames. A blocking open would cap it near 3.
	if got < 12 {
		t.Fatalf("received %d frames in 1s at 20fps", got)
	}
	if maxGap > 250*time.Millisecond {
		t.Fatalf("largest gap between frames %v", maxGap)
	}
}
