// Package device abstracts the camera: pulling raw frames for the live view
// and switching into the device's own recording mode for clips.
//
// A Device does not serialize its callers. The stream pipeline and the
// recording coordinator share one through an Arbiter.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Waupie/home-security-camera/internal/frame"
)

var (
	// ErrUnavailable means no backend could open the camera.
	ErrUnavailable = errors.New("camera unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device closed")
	// ErrBackoff is returned while a reopen attempt is being delayed.
	ErrBackoff = errors.New("waiting to reopen camera")
	// ErrOpening is returned while a background open is in flight.
	ErrOpening = errors.New("camera is being opened")
	// ErrNotCompiled is returned for backends left out of this build.
	ErrNotCompiled = errors.New("backend not compiled in")
)

// DeviceError reports a camera that is unreachable or misconfigured.
type DeviceError struct {
	Op     string // "open", "acquire", "record"
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func deviceErr(op, dev string, err error) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Device: dev, Err: err}
}

// Source produces raw frames on demand.
type Source interface {
	// Acquire blocks until the next frame is available.
	Acquire(ctx context.Context) (*frame.Frame, error)
}

// Recorder drives the device's native recording mode.
type Recorder interface {
	// Record captures exactly d of video into path and returns when the file
	// is closed. Streaming resumes on the next Acquire.
	Record(ctx context.Context, d time.Duration, path string) error
	// RecordingExt is the file extension Record produces, without the dot.
	RecordingExt() string
}

// Device is a camera with both capabilities.
type Device interface {
	Source
	Recorder
	io.Closer
	Name() string
}

// Options is the single active resolution/rate configuration.
type Options struct {
	Path    string // device node for V4L2 backends
	Width   int
	Height  int
	FPS     int
	Quality int // JPEG quality requested from MJPEG producers
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = 1920
	}
	if o.Height <= 0 {
		o.Height = 1080
	}
	if o.FPS <= 0 {
		o.FPS = 30
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 80
	}
	if o.Path == "" {
		o.Path = "/dev/video0"
	}
	return o
}
