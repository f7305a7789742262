// Package stream runs the live-view loop: acquire a frame, run motion
// detection, encode, and publish to subscribers at a fixed cadence.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/device"
	"github.com/Waupie/home-security-camera/internal/encoder"
	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/framestream"
	"github.com/Waupie/home-security-camera/internal/motion"
)

var (
	// ErrRunning is returned by Run when the loop is already active.
	ErrRunning = errors.New("pipeline already running")

	errDeviceBusy = errors.New("device held by recorder")
)

type Config struct {
	FPS     int
	Quality int
}

// Stats counts loop outcomes.
type Stats struct {
	Iterations   uint64 `json:"iterations"`
	Encoded      uint64 `json:"encoded"` // frames from the camera
	Reused       uint64 `json:"reused"`  // last frame re-sent while recording
	Placeholders uint64 `json:"placeholders"`
	Overruns     uint64 `json:"overruns"`
}

// Pipeline is the streaming loop. One goroutine runs it; Snapshot and
// Subscribe are safe from any goroutine.
type Pipeline struct {
	src      device.Source
	arbiter  *device.Arbiter
	enc      *encoder.FrameEncoder
	detector *motion.Detector
	hub      *framestream.Distributor
	logger   *zap.Logger

	period      time.Duration
	quality     int
	placeholder []byte

	seq      atomic.Int64
	lastReal atomic.Pointer[framestream.EncodedFrame]
	running  atomic.Bool

	// Loop-only.
	deviceDown bool

	stats struct {
		iterations   atomic.Uint64
		encoded      atomic.Uint64
		reused       atomic.Uint64
		placeholders atomic.Uint64
		overruns     atomic.Uint64
	}
}

type Option func(*Pipeline)

// WithDetector enables motion detection on every acquired frame.
func WithDetector(d *motion.Detector) Option {
	return func(p *Pipeline) { p.detector = d }
}

func WithDistributor(d *framestream.Distributor) Option {
	return func(p *Pipeline) { p.hub = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New wires a pipeline. src is only touched while the arbiter is held.
func New(src device.Source, arbiter *device.Arbiter, enc *encoder.FrameEncoder, cfg Config, opts ...Option) *Pipeline {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	p := &Pipeline{
		src:     src,
		arbiter: arbiter,
		enc:     enc,
		period:  time.Second / time.Duration(cfg.FPS),
		quality: encoder.ClampQuality(cfg.Quality),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = camlog.Or(p.logger, "stream")
	if p.hub == nil {
		p.hub = framestream.NewDistributor(p.logger)
	}
	p.placeholder = enc.Placeholder()
	return p
}

// Run loops until ctx is done. An iteration that overruns the frame period
// is followed immediately by the next one; missed slots are not made up.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer p.running.Store(false)

	p.logger.Info("Stream pipeline started",
		zap.Duration("period", p.period),
		zap.Int("quality", p.quality),
		zap.Bool("motion", p.detector != nil))

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			p.logger.Info("Stream pipeline stopped")
			return nil
		}
		start := time.Now()
		p.hub.Publish(p.step(ctx))

		wait := p.period - time.Since(start)
		if wait <= 0 {
			p.stats.overruns.Add(1)
			continue
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// step runs one acquire/detect/encode pass and always yields a frame.
func (p *Pipeline) step(ctx context.Context) (out framestream.EncodedFrame) {
	p.stats.iterations.Add(1)
	seq := p.seq.Add(1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Stream iteration panicked", zap.Any("panic", r))
			out = p.placeholderFrame(seq)
		}
	}()

	f, err := p.acquire(ctx)
	switch {
	case errors.Is(err, errDeviceBusy):
		if last := p.lastReal.Load(); last != nil {
			p.stats.reused.Add(1)
			out = *last
			out.Sequence = seq
			return out
		}
		return p.placeholderFrame(seq)
	case err != nil && ctx.Err() != nil:
		return p.placeholderFrame(seq)
	case err != nil:
		p.noteDeviceError(err)
		return p.placeholderFrame(seq)
	}
	p.noteDeviceOK()

	if p.detector != nil {
		p.detector.Process(f)
	}
	out = framestream.EncodedFrame{
		JPEG:     p.enc.Encode(f, p.quality),
		Captured: f.Captured,
		Sequence: seq,
	}
	p.stats.encoded.Add(1)
	p.lastReal.Store(&out)
	return out
}

// acquire holds the arbiter only for the duration of the device read.
func (p *Pipeline) acquire(ctx context.Context) (*frame.Frame, error) {
	if !p.arbiter.TryAcquire(device.OwnerStream) {
		return nil, errDeviceBusy
	}
	defer p.arbiter.Release(device.OwnerStream)

	f, err := p.src.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("source returned no frame")
	}
	return f, nil
}

func (p *Pipeline) placeholderFrame(seq int64) framestream.EncodedFrame {
	p.stats.placeholders.Add(1)
	return framestream.EncodedFrame{
		JPEG:        p.placeholder,
		Captured:    time.Now(),
		Sequence:    seq,
		Placeholder: true,
	}
}

func (p *Pipeline) noteDeviceError(err error) {
	if errors.Is(err, device.ErrOpening) {
		p.logger.Debug("Waiting for camera to open")
		return
	}
	if p.deviceDown {
		p.logger.Debug("Camera still unavailable", zap.Error(err))
		return
	}
	p.deviceDown = true
	p.logger.Warn("Camera unavailable, serving placeholder", zap.Error(err))
}

func (p *Pipeline) noteDeviceOK() {
	if p.deviceDown {
		p.deviceDown = false
		p.logger.Info("Camera frames resumed")
	}
}

// Snapshot returns one JPEG. It reads a fresh frame when the device is free,
// otherwise the latest published frame, otherwise the placeholder.
func (p *Pipeline) Snapshot(ctx context.Context) []byte {
	if f, err := p.acquire(ctx); err == nil {
		return p.enc.Encode(f, p.quality)
	}
	if last, ok := p.hub.Latest(); ok && len(last.JPEG) > 0 {
		return last.JPEG
	}
	return append([]byte(nil), p.placeholder...)
}

// Subscribe returns a channel of encoded frames holding at most one
// pending frame. Call cancel when done.
func (p *Pipeline) Subscribe() (<-chan framestream.EncodedFrame, func()) {
	return p.hub.Subscribe(1)
}

func (p *Pipeline) Distributor() *framestream.Distributor { return p.hub }

func (p *Pipeline) Running() bool { return p.running.Load() }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Iterations:   p.stats.iterations.Load(),
		Encoded:      p.stats.encoded.Load(),
		Reused:       p.stats.reused.Load(),
		Placeholders: p.stats.placeholders.Load(),
		Overruns:     p.stats.overruns.Load(),
	}
}
