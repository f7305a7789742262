package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/encoder"
	"github.com/Waupie/home-security-camera/internal/frame"
)

// TestPatternDevice synthesizes a gradient with a moving bar. It backs
// development machines without a camera and the end-to-end tests.
type TestPatternDevice struct {
	opts   Options
	enc    *encoder.FrameEncoder
	logger *zap.Logger

	mu     sync.Mutex
	tick   int
	closed bool

	frames atomic.Uint64
}

func NewTestPatternDevice(opts Options, logger *zap.Logger) *TestPatternDevice {
	opts = opts.withDefaults()
	logger = camlog.Or(logger, "device").With(zap.String("backend", "testpattern"))
	return &TestPatternDevice{
		opts:   opts,
		enc:    encoder.New(encoder.WithLogger(logger), encoder.WithPlaceholderSize(opts.Width, opts.Height)),
		logger: logger,
	}
}

func (d *TestPatternDevice) Name() string         { return "testpattern" }
func (d *TestPatternDevice) RecordingExt() string { return "mkv" }
func (d *TestPatternDevice) Frames() uint64       { return d.frames.Load() }

func (d *TestPatternDevice) Acquire(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, deviceErr("acquire", d.Name(), ErrClosed)
	}
	tick := d.tick
	d.tick++
	d.mu.Unlock()

	d.frames.Add(1)
	return renderPattern(d.opts.Width, d.opts.Height, tick), nil
}

// Record writes an MJPEG Matroska file paced in real time so the clip
// covers dur of wall clock.
func (d *TestPatternDevice) Record(ctx context.Context, dur time.Duration, path string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return deviceErr("record", d.Name(), ErrClosed)
	}

	d.logger.Info("Starting synthetic recording", zap.String("path", path), zap.Duration("duration", dur))
	err := writeMJPEGMatroska(ctx, path, mkvParams{
		width:    d.opts.Width,
		height:   d.opts.Height,
		fps:      d.opts.FPS,
		duration: dur,
	}, func(ctx context.Context) ([]byte, error) {
		f, err := d.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return d.enc.Encode(f, d.opts.Quality), nil
	})
	if err != nil {
		return deviceErr("record", d.Name(), err)
	}
	return nil
}

func (d *TestPatternDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func renderPattern(w, h, tick int) *frame.Frame {
	f := frame.New(w, h, frame.RGB)
	barW := max(1, w/16)
	barX := (tick * max(1, w/60)) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= barX && x < barX+barW {
				f.SetRGB(x, y, 255, 255, 255)
				continue
			}
			f.SetRGB(x, y, uint8(x*255/max(1, w-1)), uint8(y*255/max(1, h-1)), 96)
		}
	}
	f.Captured = time.Now()
	return f
}
