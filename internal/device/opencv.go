//go:build opencv

package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/imgconv"
)

var errEmptyRead = errors.New("capture returned no frame")

// OpenCVDevice reads a V4L2 camera through gocv.VideoCapture and records
// MJPEG AVI with gocv.VideoWriter.
type OpenCVDevice struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cap    *gocv.VideoCapture
	img    gocv.Mat
	closed bool

	frames atomic.Uint64
}

func openOpenCV(opts Options, logger *zap.Logger) (Device, error) {
	opts = opts.withDefaults()
	logger = camlog.Or(logger, "device").With(zap.String("backend", "opencv"))

	vc, err := openCapture(opts)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: "opencv", Err: err}
	}
	d := &OpenCVDevice{opts: opts, logger: logger, cap: vc, img: gocv.NewMat()}
	if ok := vc.Read(&d.img); !ok || d.img.Empty() {
		d.Close()
		return nil, &DeviceError{Op: "open", Device: "opencv", Err: errEmptyRead}
	}
	return d, nil
}

func openCapture(o Options) (*gocv.VideoCapture, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(strings.TrimPrefix(o.Path, "/dev/video")); convErr == nil {
		vc, err = gocv.OpenVideoCaptureWithAPI(idx, gocv.VideoCaptureV4L2)
	} else {
		vc, err = gocv.OpenVideoCapture(o.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Path, err)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(o.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(o.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(o.FPS))
	return vc, nil
}

func (d *OpenCVDevice) Name() string         { return "opencv" }
func (d *OpenCVDevice) RecordingExt() string { return "avi" }
func (d *OpenCVDevice) Frames() uint64       { return d.frames.Load() }

func (d *OpenCVDevice) Acquire(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.readLocked()
	if err != nil {
		return nil, deviceErr("acquire", d.Name(), err)
	}
	d.frames.Add(1)
	return f, nil
}

func (d *OpenCVDevice) readLocked() (*frame.Frame, error) {
	if d.closed {
		return nil, ErrClosed
	}
	if ok := d.cap.Read(&d.img); !ok || d.img.Empty() {
		return nil, errEmptyRead
	}
	return imgconv.FromMat(d.img, time.Now())
}

// Record writes MJPG frames read from the capture for dur.
func (d *OpenCVDevice) Record(ctx context.Context, dur time.Duration, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return deviceErr("record", d.Name(), ErrClosed)
	}

	w := int(d.cap.Get(gocv.VideoCaptureFrameWidth))
	h := int(d.cap.Get(gocv.VideoCaptureFrameHeight))
	if w <= 0 || h <= 0 {
		w, h = d.opts.Width, d.opts.Height
	}
	vw, err := gocv.VideoWriterFile(path, "MJPG", float64(d.opts.FPS), w, h, true)
	if err != nil {
		return deviceErr("record", d.Name(), err)
	}
	defer vw.Close()

	d.logger.Info("Starting OpenCV recording", zap.String("path", path), zap.Duration("duration", dur))
	deadline := time.Now().Add(dur)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return deviceErr("record", d.Name(), err)
		}
		if ok := d.cap.Read(&d.img); !ok || d.img.Empty() {
			return deviceErr("record", d.Name(), errEmptyRead)
		}
		if err := vw.Write(d.img); err != nil {
			return deviceErr("record", d.Name(), err)
		}
	}
	return nil
}

func (d *OpenCVDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.img.Close()
	return d.cap.Close()
}
