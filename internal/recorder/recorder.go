// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/device"
	"github.com/Waupie/home-security-camera/internal/motion"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

var (
	// ErrBusy is returned by Start while a recording is in progress.
	ErrBusy = errors.New("recording already in progress")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("recorder closed")
	// ErrUnknownJob is returned by Wait for an ID that was never issued or
	// has aged out of the history.
	ErrUnknownJob = errors.New("unknown recording job")

	errEmptyOutput = errors.New("recording produced an empty file")
)

// FilenameLayout is the UTC timestamp layout inside recording file names.
const FilenameLayout = "20060102-150405"

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a snapshot of one recording.
type Job struct {
	ID         string
	OutputPath string
	StartedAt  time.Time
	Duration   time.Duration
	Status     Status
	Err        error
	FinishedAt time.Time
}

// Filename is the base name of the output file.
func (j Job) Filename() string { return filepath.Base(j.OutputPath) }

type job struct {
	Job
	done chan struct{}
}

// RecordingError wraps a failed recording.
type RecordingError struct {
	JobID string
	Path  string
	Err   error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording %s (%s): %v", e.JobID, filepath.Base(e.Path), e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// Metrics tracks coordinator outcomes
type Metrics struct {
	Started        uint64 `json:"started"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	BusyRejections uint64 `json:"busy_rejections"`
	UploadsOK      uint64 `json:"uploads_ok"`
	UploadsFailed  uint64 `json:"uploads_failed"`
}

// Config for the coordinator.
type Config struct {
	Dir             string
	DefaultDuration time.Duration
	// History bounds how many finished jobs Job and Jobs remember.
	History int
	// MinFreeBytes fails a job up front when the recordings filesystem has
	// less space than this. Zero disables the check.
	MinFreeBytes  uint64
	UploadTimeout time.Duration
}

// Coordinator guarantees at most one recording at a time and hands
// finished files to the configured sinks.
type Coordinator struct {
	dev     device.Recorder
	arbiter *device.Arbiter
	sinks   []storage.Sink
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	baseCtx context.Context

	mu     sync.Mutex
	active *job
	jobs   map[string]*job
	order  []string
	last   string
	closed bool

	wg sync.WaitGroup

	metrics struct {
		started        atomic.Uint64
		completed      atomic.Uint64
		failed         atomic.Uint64
		busyRejections atomic.Uint64
		uploadsOK      atomic.Uint64
		uploadsFailed  atomic.Uint64
	}
}

type Option func(*Coordinator)

func WithSinks(sinks ...storage.Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBaseContext sets the context recordings run under. Cancelling it
// stops an in-flight recording and returns the device to streaming.
func WithBaseContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.baseCtx = ctx }
}

// New creates the recordings directory and returns an idle coordinator.
func New(dev device.Recorder, arbiter *device.Arbiter, cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.Dir == "" {
		return nil, errors.New("recordings directory is empty")
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 10 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 50
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = storage.DefaultUploadTimeout
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	c := &Coordinator{
		dev:     dev,
		arbiter: arbiter,
		config:  cfg,
		now:     time.Now,
		baseCtx: context.Background(),
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = camlog.Or(c.logger, "recorder")
	return c, nil
}

// Start begins a recording of d (the configured default when d <= 0) and
// returns immediately.
func (c *Coordinator) Start(d time.Duration) (Job, error) {
	if d <= 0 {
		d = c.config.DefaultDuration
	}
	// Resolved before taking mu: the device may have locks of its own.
	ext := c.dev.RecordingExt()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, ErrClosed
	}
	if c.active != nil {
		c.mu.Unlock()
		c.metrics.busyRejections.Add(1)
		return Job{}, ErrBusy
	}

	started := c.now().UTC()
	name := fmt.Sprintf("recording-%s.%s", started.Format(FilenameLayout), ext)
	j := &job{
		Job: Job{
			ID:         uuid.NewString(),
			OutputPath: filepath.Join(c.config.Dir, name),
			StartedAt:  started,
			Duration:   d,
			Status:     StatusRunning,
		},
		done: make(chan struct{}),
	}
	c.active = j
	c.rememberLocked(j)
	c.wg.Add(1)
	snapshot := j.Job
	c.mu.Unlock()

	c.metrics.started.Add(1)
	c.logger.Info("Recording started",
		zap.String("id", j.ID),
		zap.String("file", name),
		zap.Duration("duration", d))

	go c.run(j)
	return snapshot, nil
}

func (c *Coordinator) run(j *job) {
	defer c.wg.Done()

	begin := time.Now()
	err := c.record(j)

	c.mu.Lock()
	j.FinishedAt = c.now().UTC()
	if err != nil {
		j.Status = StatusFailed
		j.Err = &RecordingError{JobID: j.ID, Path: j.OutputPath, Err: err}
	} else {
		j.Status = StatusCompleted
		c.last = j.Filename()
	}
	c.active = nil
	snapshot := j.Job
	close(j.done)
	c.mu.Unlock()

	if err != nil {
		c.metrics.failed.Add(1)
		c.logger.Error("Recording failed", zap.String("id", j.ID), zap.Error(snapshot.Err))
		return
	}
	c.metrics.completed.Add(1)
	c.logger.Info("Recording finished",
		zap.String("id", j.ID),
		zap.String("file", snapshot.Filename()),
		zap.Duration("elapsed", time.Since(begin)))

	c.upload(snapshot)
}

func (c *Coordinator) record(j *job) error {
	ctx := c.baseCtx
	if err := c.arbiter.Acquire(ctx, device.OwnerRecorder); err != nil {
		return fmt.Errorf("acquire device: %w", err)
	}
	defer c.arbiter.Release(device.OwnerRecorder)

	if err := c.checkDiskSpace(); err != nil {
		return err
	}
	if err := c.dev.Record(ctx, j.Duration, j.OutputPath); err != nil {
		return err
	}

	info, err := os.Stat(j.OutputPath)
	if err != nil {
		return fmt.Errorf("recording output missing: %w", err)
	}
	if info.Size() == 0 {
		return errEmptyOutput
	}
	return nil
}

func (c *Coordinator) checkDiskSpace() error {
	if c.config.MinFreeBytes == 0 {
		return nil
	}
	avail, err := freeBytes(c.config.Dir)
	if err != nil {
		c.logger.Debug("Skipping disk space check", zap.Error(err))
		return nil
	}
	if avail < c.config.MinFreeBytes {
		return fmt.Errorf("insufficient disk space: %d MB available, %d MB required",
			avail/(1024*1024), c.config.MinFreeBytes/(1024*1024))
	}
	return nil
}

// upload makes one attempt per sink. Failures are logged and counted; the
// job stays Completed.
func (c *Coordinator) upload(j Job) {
	for _, sink := range c.sinks {
		ctx, cancel := context.WithTimeout(c.baseCtx, c.config.UploadTimeout)
		err := sink.Upload(ctx, j.Filename(), j.OutputPath, storage.WithMetadata(map[string]string{
			"job_id":     j.ID,
			"started_at": j.StartedAt.Format(time.RFC3339),
		}))
		cancel()
		if err != nil {
			c.metrics.uploadsFailed.Add(1)
			msg := "Upload failed"
			if storage.IsAccessDenied(err) {
				msg = "Upload rejected, check sink credentials"
			}
			c.logger.Error(msg,
				zap.String("id", j.ID),
				zap.String("sink", sink.Name()),
				zap.Error(err))
			continue
		}
		c.metrics.uploadsOK.Add(1)
	}
}

func (c *Coordinator) rememberLocked(j *job) {
	c.jobs[j.ID] = j
	c.order = append(c.order, j.ID)
	for len(c.order) > c.config.History {
		oldest := c.order[0]
		if c.active != nil && c.active.ID == oldest {
			break
		}
		delete(c.jobs, oldest)
		c.order = c.order[1:]
	}
}

// LastRecording returns the file name of the most recent completed job.
func (c *Coordinator) LastRecording() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last != ""
}

// Busy reports whether a job is running.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Coordinator) Job(id string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Job, true
}

// Jobs returns the remembered jobs, newest first.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.order))
	for i := len(c.order) - 1; i >= 0; i-- {
		out = append(out, c.jobs[c.order[i]].Job)
	}
	return out
}

// Wait blocks until the job finishes or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, id string) (Job, error) {
	c.mu.Lock()
	j, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return Job{}, ErrUnknownJob
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return j.Job, nil
}

func (c *Coordinator) Metrics() Metrics {
	return Metrics{
		Started:        c.metrics.started.Load(),
		Completed:      c.metrics.completed.Load(),
		Failed:         c.metrics.failed.Load(),
		BusyRejections: c.metrics.busyRejections.Load(),
		UploadsOK:      c.metrics.uploadsOK.Load(),
		UploadsFailed:  c.metrics.uploadsFailed.Load(),
	}
}

// SendNotification starts a recording on a motion trigger. A recording
// already in progress absorbs the trigger.
func (c *Coordinator) SendNotification(ev motion.Event) error {
	if !ev.Triggered {
		return nil
	}
	j, err := c.Start(0)
	switch {
	case errors.Is(err, ErrBusy), errors.Is(err, ErrClosed):
		return nil
	case err != nil:
		return err
	}
	c.logger.Info("Recording on motion", zap.String("id", j.ID), zap.Float64("ratio", ev.Ratio))
	return nil
}

// Close refuses new jobs and waits for the in-flight one, including its
// uploads.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
