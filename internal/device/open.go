package device

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
)

// BackendTestPattern selects the synthetic device.
const BackendTestPattern = "testpattern"

// Open tries backends in order and returns the first one that delivers a
// frame. When none do it returns an Unavailable device together with a
// DeviceError wrapping ErrUnavailable, so callers may carry on streaming
// placeholders.
func Open(ctx context.Context, backends []string, opts Options, logger *zap.Logger) (Device, error) {
	logger = camlog.Or(logger, "device")
	opts = opts.withDefaults()

	var errs []error
	for _, name := range backends {
		dev, err := openBackend(ctx, name, opts, logger)
		if err == nil {
			logger.Info("Camera backend selected",
				zap.String("backend", name),
				zap.Int("width", opts.Width),
				zap.Int("height", opts.Height),
				zap.Int("fps", opts.FPS))
			return dev, nil
		}
		logger.Debug("Camera backend unavailable", zap.String("backend", name), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	err := &DeviceError{Op: "open", Err: fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))}
	return Unavailable{Reason: err}, err
}

// OpenWithReopen wraps Open in a Reopener. It never fails: a missing
// camera shows up as DeviceErrors from Acquire.
func OpenWithReopen(backends []string, opts Options, logger *zap.Logger, ropts ...ReopenOption) *Reopener {
	ropts = append([]ReopenOption{WithReopenLogger(logger)}, ropts...)
	return NewReopener(func(ctx context.Context) (Device, error) {
		dev, err := Open(ctx, backends, opts, logger)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}, ropts...)
}

func openBackend(ctx context.Context, name string, opts Options, logger *zap.Logger) (Device, error) {
	switch name {
	case "rpicam", "libcamera", "ffmpeg":
		dev, err := NewCommandDevice(name, opts, logger)
		if err != nil {
			return nil, err
		}
		if err := probe(ctx, dev); err != nil {
			dev.Close()
			return nil, err
		}
		return dev, nil
	case "opencv":
		return openOpenCV(opts, logger)
	case BackendTestPattern:
		return NewTestPatternDevice(opts, logger), nil
	default:
		return nil, &DeviceError{Op: "open", Device: name, Err: fmt.Errorf("unknown backend %q", name)}
	}
}

// probe pulls one frame so a program that starts but cannot reach the
// sensor is rejected at open time.
func probe(ctx context.Context, dev Device) error {
	_, err := dev.Acquire(ctx)
	return err
}
