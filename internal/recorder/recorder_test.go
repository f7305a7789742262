package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/Waupie/home-security-camera/internal/device"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

type fakeRecorder struct {
	release chan struct{}
	content []byte
	err     error
	// extGate, when set, holds RecordingExt until closed.
	extGate chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeRecorder) RecordingExt() string {
	if f.extGate != nil {
		<-f.extGate
	}
	return "mp4"
}

func (f *fakeRecorder) Record(ctx context.Context, d time.Duration, path string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(path, f.content, 0o644)
}

type fakeSink struct {
	err error

	mu   sync.Mutex
	keys []string
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Upload(ctx context.Context, key, filePath string, opts ...storage.PutOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return s.err
}

func (s *fakeSink) uploaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func newCoordinator(t *testing.T, dev device.Recorder, opts ...Option) (*Coordinator, *device.Arbiter) {
	t.Helper()
	arb := device.NewArbiter()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(dev, arb, Config{Dir: filepath.Join(t.TempDir(), "recordings"), DefaultDuration: time.Second}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, arb
}

func waitJob(t *testing.T, c *Coordinator, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j, err := c.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return j
}

func TestStartWhileBusy(t *testing.T) {
	dev := &fakeRecorder{release: make(chan struct{}), content: []byte("video")}
	c, _ := newCoordinator(t, dev)

	first, err := c.Start(0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Duration != time.Second || first.Status != StatusRunning {
		t.Fatalf("job = %+v", first)
	}
	if _, err := c.Start(5 * time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}
	if _, ok := c.LastRecording(); ok {
		t.Fatal("last recording set before completion")
	}

	close(dev.release)
	done := waitJob(t, c, first.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", done.Status, done.Err)
	}
	name, ok := c.LastRecording()
	if !ok || name != done.Filename() {
		t.Fatalf("LastRecording = %q, %v", name, ok)
	}
	if m := c.Metrics(); m.Started != 1 || m.Completed != 1 || m.BusyRejections != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	if _, err := c.Start(0); err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
}

func TestFilenameFormat(t *testing.T) {
	fixed := time.Date(2025, 12, 3, 14, 4, 39, 0, time.FixedZone("CET", 3600))
	c, _ := newCoordinator(t, &fakeRecorder{content: []byte("x")}, WithClock(func() time.Time { return fixed }))

	j, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := j.Filename(); got != "recording-20251203-130439.mp4" {
		t.Fatalf("filename = %q", got)
	}
	waitJob(t, c, j.ID)

	re := regexp.MustCompile(`^recording-\d{8}-\d{6}\.mp4$`)
	if !re.MatchString(j.Filename()) {
		t.Fatalf("%q does not match %s", j.Filename(), re)
	}
}

func TestFailedRecordings(t *testing.T) {
	tests := []struct {
		name string
		dev  *fakeRecorder
		want error
	}{
		{"device error", &fakeRecorder{err: device.ErrUnavailable}, device.ErrUnavailable},
		{"empty output", &fakeRecorder{content: nil}, errEmptyOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			c, arb := newCoordinator(t, tt.dev, WithSinks(sink))

			j, err := c.Start(0)
			if err != nil {
				t.Fatal(err)
			}
			done := waitJob(t, c, j.ID)
			if done.Status != StatusFailed {
				t.Fatalf("status = %s", done.Status)
			}
			var rerr *RecordingError
			if !errors.As(done.Err, &rerr) || rerr.JobID != j.ID || !errors.Is(done.Err, tt.want) {
				t.Fatalf("err = %v", done.Err)
			}
			if _, ok := c.LastRecording(); ok {
				t.Fatal("failed recording became last recording")
			}
			if len(sink.uploaded()) != 0 {
				t.Fatal("failed recording was uploaded")
			}
			if arb.Owner() != device.OwnerNone {
				t.Fatalf("arbiter still held by %q", arb.Owner())
			}
			if c.Busy() {
				t.Fatal("coordinator still busy")
			}
		})
	}
}

func TestUploadFailureKeepsCompleted(t *testing.T) {
	good, bad := &fakeSink{}, &fakeSink{err: errors.New("boom")}
	c, _ := newCoordinator(t, &fakeRecorder{content: []byte("video")}, WithSinks(bad, good))

	j, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitJob(t, c, j.ID); done.Status != StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	c.Close()

	if got := bad.uploaded(); len(got) != 1 {
		t.Fatalf("failing sink saw %d attempts, want 1", len(got))
	}
	if got := good.uploaded(); len(got) != 1 || got[0] != j.Filename() {
		t.Fatalf("good sink uploads = %v", got)
	}
	if m := c.Metrics(); m.UploadsOK != 1 || m.UploadsFailed != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestRecorderWaitsForArbiter(t *testing.T) {
	dev := &fakeRecorder{content: []byte("video")}
	c, arb := newCoordinator(t, dev)

	if !arb.TryAcquire(device.OwnerStream) {
		t.Fatal("arbiter not free")
	}
	j, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	dev.mu.Lock()
	calls := dev.calls
	dev.mu.Unlock()
	if calls != 0 {
		t.Fatal("recorded while the stream held the device")
	}

	arb.Release(device.OwnerStream)
	if done := waitJob(t, c, j.ID); done.Status != StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
}

func TestTestPatternRecording(t *testing.T) {
	dev := device.NewTestPatternDevice(device.Options{Width: 64, Height: 48, FPS: 10}, zaptest.NewLogger(t))
	defer dev.Close()
	c, _ := newCoordinator(t, dev)

	j, err := c.Start(300 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, c, j.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", done.Status, done.Err)
	}
	if filepath.Ext(done.OutputPath) != ".mkv" {
		t.Fatalf("output = %s", done.OutputPath)
	}
	info, err := os.Stat(done.OutputPath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("output missing or empty: %v", err)
	}
}

func TestMotionNotification(t *testing.T) {
	dev := &fakeRecorder{release: make(chan struct{}), content: []byte("video")}
	c, _ := newCoordinator(t, dev)

	if err := c.SendNotification(motion.Event{Detected: true}); err != nil {
		t.Fatal(err)
	}
	if c.Busy() {
		t.Fatal("untriggered event started a recording")
	}

	ev := motion.Event{Detected: true, Triggered: true, Ratio: 0.2, Timestamp: time.Now()}
	if err := c.SendNotification(ev); err != nil {
		t.Fatal(err)
	}
	if err := c.SendNotification(ev); err != nil {
		t.Fatalf("trigger during recording: %v", err)
	}
	if jobs := c.Jobs(); len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	close(dev.release)
}

func TestJobsHistory(t *testing.T) {
	arb := device.NewArbiter()
	c, err := New(&fakeRecorder{content: []byte("v")}, arb, Config{Dir: t.TempDir(), History: 2}, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := c.Start(time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		waitJob(t, c, j.ID)
		ids = append(ids, j.ID)
	}

	jobs := c.Jobs()
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Fatalf("jobs = %+v", jobs)
	}
	if _, ok := c.Job(ids[0]); ok {
		t.Fatal("oldest job not evicted")
	}
	if _, err := c.Wait(context.Background(), ids[0]); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Wait on evicted job: %v", err)
	}
}

func TestClose(t *testing.T) {
	dev := &fakeRecorder{release: make(chan struct{}), content: []byte("video")}
	c, _ := newCoordinator(t, dev)

	j, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned with a recording in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(dev.release)
	<-closed

	if got, _ := c.Job(j.ID); got.Status != StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := c.Start(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close: %v", err)
	}
}

func TestConcurrentStartAdmitsOne(t *testing.T) {
	for i := 0; i < 100; i++ {
		dev := &fakeRecorder{release: make(chan struct{}), content: []byte("video")}
		c, _ := newCoordinator(t, dev)

		var (
			wg    sync.WaitGroup
			ready = make(chan struct{})
			errs  = make([]error, 2)
			jobs  = make([]Job, 2)
		)
		for g := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ready
				jobs[g], errs[g] = c.Start(0)
			}()
		}
		close(ready)
		wg.Wait()

		started, busy := 0, 0
		var id string
		for g, err := range errs {
			switch {
			case err == nil:
				started++
				id = jobs[g].ID
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Fatalf("iteration %d: Start: %v", i, err)
			}
		}
		if started != 1 || busy != 1 {
			t.Fatalf("iteration %d: started=%d busy=%d", i, started, busy)
		}
		close(dev.release)
		waitJob(t, c, id)
		c.Close()
	}
}

func TestFailedJobKeepsEarlierRecording(t *testing.T) {
	dev := &fakeRecorder{content: []byte("video")}
	c, _ := newCoordinator(t, dev)

	first, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitJob(t, c, first.ID); done.Status != StatusCompleted {
		t.Fatalf("first status = %s", done.Status)
	}

	dev.err = device.ErrUnavailable
	second, err := c.Start(0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitJob(t, c, second.ID); done.Status != StatusFailed {
		t.Fatalf("second status = %s", done.Status)
	}

	name, ok := c.LastRecording()
	if !ok || name != first.Filename() {
		t.Fatalf("LastRecording = %q, %v; want %q", name, ok, first.Filename())
	}
}

func TestSlowDeviceDoesNotBlockReaders(t *testing.T) {
	dev := &fakeRecorder{content: []byte("video"), extGate: make(chan struct{})}
	c, _ := newCoordinator(t, dev)

	started := make(chan error, 1)
	go func() {
		_, err := c.Start(0)
		started <- err
	}()
	time.Sleep(20 * time.Millisecond)

	begin := time.Now()
	c.LastRecording()
	c.Busy()
	c.Jobs()
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Fatalf("readers waited %v on the device", elapsed)
	}

	close(dev.extGate)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}
}
