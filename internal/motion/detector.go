package motion

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/movement"
)

// Config tunes detection. Zero values are not defaulted; use DefaultConfig.
type Config struct {
	PixelDiffThresh int     // per-pixel absolute difference that counts as changed
	AreaRatio       float64 // fraction of changed pixels for a frame to count
	Consecutive     int     // debounce length
	BlendAlpha      float64 // weight of the old reference when blending
	Downsample      int     // integer shrink factor before comparing
	BlurKernel      int     // odd Gaussian kernel size
}

func DefaultConfig() Config {
	return Config{
		PixelDiffThresh: 40,
		AreaRatio:       0.05,
		Consecutive:     8,
		BlendAlpha:      0.6,
		Downsample:      2,
		BlurKernel:      7,
	}
}

func (c Config) Validate() error {
	switch {
	case c.PixelDiffThresh < 0 || c.PixelDiffThresh > 255:
		return fmt.Errorf("pixel threshold %d out of range", c.PixelDiffThresh)
	case c.AreaRatio < 0 || c.AreaRatio >= 1:
		return fmt.Errorf("area ratio %v out of range", c.AreaRatio)
	case c.Consecutive < 1:
		return fmt.Errorf("consecutive must be >= 1, got %d", c.Consecutive)
	case c.BlendAlpha < 0 || c.BlendAlpha >= 1:
		return fmt.Errorf("blend alpha %v out of range", c.BlendAlpha)
	case c.Downsample < 1:
		return fmt.Errorf("downsample must be >= 1, got %d", c.Downsample)
	case c.BlurKernel < 1 || c.BlurKernel%2 == 0:
		return fmt.Errorf("blur kernel must be odd, got %d", c.BlurKernel)
	}
	return nil
}

// Preprocessor reduces a frame to the smoothed, downsampled luma plane the
// detector compares.
type Preprocessor interface {
	Preprocess(f *frame.Frame) (*image.Gray, error)
}

// Notifier is told about every accepted trigger. It is called on its own
// goroutine.
type Notifier interface {
	SendNotification(ev Event) error
}

// Event is the per-frame evaluation result.
type Event struct {
	Detected  bool
	Ratio     float64
	Timestamp time.Time
	// Triggered is set on the one frame that opened a hold window.
	Triggered bool
}

type Stats struct {
	FramesProcessed   int64         `json:"frames_processed"`
	Triggers          int64         `json:"triggers"`
	Errors            int64         `json:"errors"`
	LastRatio         float64       `json:"last_ratio"`
	LastMotionTime    time.Time     `json:"last_motion_time"`
	ProcessingTime    time.Duration `json:"processing_time_ns"`
	LastProcessedTime time.Time     `json:"last_processed_time"`
}

var errSizeChanged = errors.New("frame size changed")

// Detector handles motion detection by differencing against a blended
// reference frame.
type Detector struct {
	config   Config
	pre      Preprocessor
	state    *movement.State
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	ref   []float32
	refW  int
	refH  int
	count int
	stats Stats
}

type Option func(*Detector)

func WithPreprocessor(p Preprocessor) Option { return func(d *Detector) { d.pre = p } }
func WithNotifier(n Notifier) Option         { return func(d *Detector) { d.notifier = n } }
func WithLogger(l *zap.Logger) Option        { return func(d *Detector) { d.logger = l } }
func WithClock(now func() time.Time) Option  { return func(d *Detector) { d.now = now } }

func NewDetector(config Config, state *movement.State, opts ...Option) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid motion config: %w", err)
	}
	if state == nil {
		return nil, errors.New("movement state cannot be nil")
	}

	d := &Detector{
		config: config,
		state:  state,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pre == nil {
		d.pre = DefaultPreprocessor(config)
	}
	d.logger = camlog.Or(d.logger, "motion")
	return d, nil
}

// Process evaluates one frame. It never fails: a preprocessing error or
// panic is counted and reported as "no motion".
func (d *Detector) Process(f *frame.Frame) Event {
	start := time.Now()
	now := d.now()
	ev := Event{Timestamp: now}

	gray, err := d.preprocess(f)

	d.mu.Lock()
	d.stats.FramesProcessed++
	d.stats.LastProcessedTime = now
	if err != nil {
		d.stats.Errors++
		d.decayLocked()
		d.mu.Unlock()
		d.logger.Debug("motion evaluation skipped", zap.Error(err))
		return ev
	}

	ev.Ratio, ev.Detected = d.compareLocked(gray)
	if ev.Detected {
		d.count = min(d.count+1, d.config.Consecutive)
	} else {
		d.decayLocked()
	}
	full := d.count >= d.config.Consecutive
	d.stats.LastRatio = ev.Ratio
	d.stats.ProcessingTime = time.Since(start)
	d.mu.Unlock()

	// The movement lock is taken only after the detector lock is released.
	if full && d.state.TryTrigger(now) {
		ev.Triggered = true
		d.mu.Lock()
		d.stats.Triggers++
		d.stats.LastMotionTime = now
		d.mu.Unlock()

		d.logger.Info("Motion detected", zap.Float64("ratio", ev.Ratio), zap.Time("at", now))
		d.sendNotification(ev)
	}
	return ev
}

func (d *Detector) preprocess(f *frame.Frame) (g *image.Gray, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preprocess panic: %v", r)
		}
	}()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return d.pre.Preprocess(f)
}

// compareLocked diffs gray against the reference and blends it in.
func (d *Detector) compareLocked(gray *image.Gray) (float64, bool) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	if d.ref == nil || w != d.refW || h != d.refH {
		if d.ref != nil {
			d.logger.Debug("reference reset", zap.Error(errSizeChanged))
		}
		d.storeReferenceLocked(gray)
		return 0, false
	}

	thresh := float32(d.config.PixelDiffThresh)
	alpha := float32(d.config.BlendAlpha)
	changed := 0
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		ref := d.ref[y*w : (y+1)*w]
		for x, v := range row {
			cur := float32(v)
			if float32(math.Abs(float64(cur-ref[x]))) > thresh {
				changed++
			}
			ref[x] = alpha*ref[x] + (1-alpha)*cur
		}
	}

	total := w * h
	ratio := float64(changed) / float64(total)
	return ratio, ratio > d.config.AreaRatio
}

func (d *Detector) storeReferenceLocked(gray *image.Gray) {
	w, h := gray.Rect.Dx(), gray.Rect.Dy()
	d.ref = make([]float32, w*h)
	d.refW, d.refH = w, h
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			d.ref[y*w+x] = float32(v)
		}
	}
}

func (d *Detector) decayLocked() {
	if d.count > 0 {
		d.count--
	}
}

func (d *Detector) sendNotification(ev Event) {
	if d.notifier == nil {
		return
	}
	go func() {
		if err := d.notifier.SendNotification(ev); err != nil {
			d.logger.Warn("Failed to send notification", zap.Error(err))
		}
	}()
}

// Counter returns the current debounce count.
func (d *Detector) Counter() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Reset drops the reference frame and the debounce counter. The next frame
// is a cold start.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ref = nil
	d.refW, d.refH = 0, 0
	d.count = 0
}

func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
