package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/frame"
)

// Opener opens a fresh device.
type Opener func(ctx context.Context) (Device, error)

type deviceInfo struct {
	name string
	ext  string
}

// Reopener is a Device that opens its underlying camera lazily and reopens
// it after device failures. Opens run on a background goroutine, so Acquire
// never waits on a slow camera; attempts are spaced by an exponential
// backoff measured from the end of the previous attempt.
//
// mu is never held across an open. Name and RecordingExt read an atomic
// copy of the open device's identity and never take mu.
type Reopener struct {
	open       Opener
	logger     *zap.Logger
	now        func() time.Time
	defaultExt string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	info atomic.Pointer[deviceInfo]

	mu      sync.Mutex
	cur     Device
	opening chan struct{} // non-nil while an open is in flight
	lastErr error
	bo      *backoff.ExponentialBackOff
	nextTry time.Time
	closed  bool
}

type ReopenOption func(*Reopener)

func WithReopenLogger(l *zap.Logger) ReopenOption {
	return func(r *Reopener) { r.logger = l }
}

func WithReopenClock(now func() time.Time) ReopenOption {
	return func(r *Reopener) { r.now = now }
}

// WithBackoff sets the first and the largest delay between attempts.
func WithBackoff(initial, maxInterval time.Duration) ReopenOption {
	return func(r *Reopener) {
		r.bo.InitialInterval = initial
		r.bo.MaxInterval = maxInterval
	}
}

func NewReopener(open Opener, opts ...ReopenOption) *Reopener {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up

	r := &Reopener{
		open:       open,
		now:        time.Now,
		defaultExt: "mp4",
		bo:         bo,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = camlog.Or(r.logger, "device")
	r.bo.Reset()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *Reopener) Name() string {
	if info := r.info.Load(); info != nil {
		return info.name
	}
	return "unavailable"
}

// RecordingExt reports the extension of the open device, or mp4 when none
// is open yet.
func (r *Reopener) RecordingExt() string {
	if info := r.info.Load(); info != nil {
		return info.ext
	}
	return r.defaultExt
}

// Acquire reads from the open device. With no device open it starts a
// background open if the backoff allows and returns ErrOpening or
// ErrBackoff straight away.
func (r *Reopener) Acquire(ctx context.Context) (*frame.Frame, error) {
	dev, err := r.device(ctx, false)
	if err != nil {
		return nil, err
	}
	f, err := dev.Acquire(ctx)
	if err != nil {
		r.fail(dev, err)
		return nil, err
	}
	return f, nil
}

// Record waits for an in-flight open, since a recording has nothing useful
// to do without the device.
func (r *Reopener) Record(ctx context.Context, d time.Duration, path string) error {
	dev, err := r.device(ctx, true)
	if err != nil {
		return err
	}
	if err := dev.Record(ctx, d, path); err != nil {
		r.fail(dev, err)
		return err
	}
	return nil
}

// Close releases the device and waits for a background open to give up.
func (r *Reopener) Close() error {
	r.mu.Lock()
	r.closed = true
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()

	r.info.Store(nil)
	r.cancel()
	r.wg.Wait()
	if cur == nil {
		return nil
	}
	return cur.Close()
}

func (r *Reopener) device(ctx context.Context, wait bool) (Device, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, deviceErr("acquire", "", ErrClosed)
	}
	if r.cur != nil {
		dev := r.cur
		r.mu.Unlock()
		return dev, nil
	}
	opening := r.opening
	if opening == nil {
		if r.now().Before(r.nextTry) {
			r.mu.Unlock()
			return nil, deviceErr("acquire", "", ErrBackoff)
		}
		opening = make(chan struct{})
		r.opening = opening
		r.wg.Add(1)
		go r.reopen(opening)
	}
	r.mu.Unlock()

	if !wait {
		return nil, deviceErr("acquire", "", ErrOpening)
	}
	select {
	case <-opening:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return nil, deviceErr("acquire", "", ErrClosed)
	case r.cur != nil:
		return r.cur, nil
	case r.lastErr != nil:
		return nil, deviceErr("open", "", r.lastErr)
	default:
		return nil, deviceErr("open", "", ErrUnavailable)
	}
}

// reopen runs one open attempt off the caller's goroutine. The next attempt
// is scheduled from when this one ended.
func (r *Reopener) reopen(done chan struct{}) {
	defer r.wg.Done()
	defer close(done)

	dev, err := r.open(r.ctx)

	r.mu.Lock()
	r.opening = nil
	switch {
	case err != nil:
		r.lastErr = err
		r.scheduleLocked(r.now())
		next := r.nextTry
		r.mu.Unlock()
		r.logger.Warn("Camera open failed", zap.Error(err), zap.Time("next_attempt", next))
	case r.closed:
		r.mu.Unlock()
		dev.Close()
	default:
		r.bo.Reset()
		r.nextTry = time.Time{}
		r.lastErr = nil
		r.cur = dev
		r.info.Store(&deviceInfo{name: dev.Name(), ext: dev.RecordingExt()})
		r.mu.Unlock()
		r.logger.Info("Camera opened", zap.String("backend", dev.Name()))
	}
}

// fail drops dev after a device-level error so the next call reopens it.
func (r *Reopener) fail(dev Device, err error) {
	var de *DeviceError
	if !errors.As(err, &de) || errors.Is(err, context.Canceled) {
		return
	}
	r.mu.Lock()
	if r.cur != dev {
		r.mu.Unlock()
		return
	}
	r.cur = nil
	r.info.Store(nil)
	r.scheduleLocked(r.now())
	next := r.nextTry
	r.mu.Unlock()

	if cerr := dev.Close(); cerr != nil {
		r.logger.Debug("Closing failed device", zap.Error(cerr))
	}
	r.logger.Warn("Camera failed, will reopen",
		zap.String("backend", dev.Name()),
		zap.Error(err),
		zap.Time("next_attempt", next))
}

func (r *Reopener) scheduleLocked(now time.Time) {
	wait := r.bo.NextBackOff()
	if wait == backoff.Stop {
		wait = r.bo.MaxInterval
	}
	r.nextTry = now.Add(wait)
}
