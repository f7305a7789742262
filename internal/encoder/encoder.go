// Package encoder turns raw frames into JPEG stills for the live view.
//
// Backends are tried in a fixed order chosen at construction. When every
// backend fails the encoder returns a pre-rendered placeholder JPEG, so the
// caller always gets a decodable image.
package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/frame"
)

const (
	MinQuality     = 1
	MaxQuality     = 100
	DefaultQuality = 80
)

// Backend encodes a frame to JPEG bytes. Implementations must not retain f.
type Backend interface {
	Name() string
	Encode(f *frame.Frame, quality int) ([]byte, error)
}

// EncodeError reports a single backend failure.
type EncodeError struct {
	Backend string
	Err     error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoder %s: %v", e.Backend, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Metrics counts encoder outcomes.
type Metrics struct {
	Encoded      uint64 `json:"encoded"`
	Fallbacks    uint64 `json:"fallbacks"`    // frames served by a non-primary backend
	Placeholders uint64 `json:"placeholders"` // frames where every backend failed
}

// FrameEncoder runs the backend chain.
type FrameEncoder struct {
	backends    []Backend
	placeholder []byte
	logger      *zap.Logger

	encoded      atomic.Uint64
	fallbacks    atomic.Uint64
	placeholders atomic.Uint64
}

// Option configures a FrameEncoder.
type Option func(*FrameEncoder)

// WithBackends replaces the default backend chain.
func WithBackends(b ...Backend) Option {
	return func(e *FrameEncoder) { e.backends = append([]Backend(nil), b...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *FrameEncoder) { e.logger = l }
}

// WithPlaceholderSize sets the dimensions of the last-resort image.
func WithPlaceholderSize(width, height int) Option {
	return func(e *FrameEncoder) {
		e.placeholder = renderPlaceholder(width, height)
	}
}

// DefaultBackends returns the backends available in this build, best first.
// The stdlib backend is always last.
func DefaultBackends() []Backend {
	return append(platformBackends(), StdlibBackend{})
}

// New builds an encoder. The backend set is fixed for the encoder's lifetime.
func New(opts ...Option) *FrameEncoder {
	e := &FrameEncoder{}
	for _, opt := range opts {
		opt(e)
	}
	if e.backends == nil {
		e.backends = DefaultBackends()
	}
	if e.placeholder == nil {
		e.placeholder = renderPlaceholder(320, 240)
	}
	e.logger = camlog.Or(e.logger, "encoder")

	names := make([]string, 0, len(e.backends))
	for _, b := range e.backends {
		names = append(names, b.Name())
	}
	e.logger.Debug("encoder ready", zap.Strings("backends", names))
	return e
}

// ClampQuality limits q to [MinQuality, MaxQuality].
func ClampQuality(q int) int {
	if q < MinQuality {
		return MinQuality
	}
	if q > MaxQuality {
		return MaxQuality
	}
	return q
}

// Encode never fails and never returns an empty slice.
func (e *FrameEncoder) Encode(f *frame.Frame, quality int) []byte {
	quality = ClampQuality(quality)

	for i, b := range e.backends {
		out, err := safeEncode(b, f, quality)
		if err == nil && len(out) > 0 {
			e.encoded.Add(1)
			if i > 0 {
				e.fallbacks.Add(1)
			}
			return out
		}
		if err == nil {
			err = fmt.Errorf("empty output")
		}
		e.logger.Debug("backend failed", zap.Error(&EncodeError{Backend: b.Name(), Err: err}))
	}

	e.placeholders.Add(1)
	return e.Placeholder()
}

// Placeholder returns a copy of the last-resort image.
func (e *FrameEncoder) Placeholder() []byte {
	return append([]byte(nil), e.placeholder...)
}

func (e *FrameEncoder) Metrics() Metrics {
	return Metrics{
		Encoded:      e.encoded.Load(),
		Fallbacks:    e.fallbacks.Load(),
		Placeholders: e.placeholders.Load(),
	}
}

func safeEncode(b Backend, f *frame.Frame, quality int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return b.Encode(f, quality)
}

// StdlibBackend encodes with image/jpeg.
type StdlibBackend struct{}

func (StdlibBackend) Name() string { return "image/jpeg" }

func (StdlibBackend) Encode(f *frame.Frame, quality int) ([]byte, error) {
	var img image.Image
	if f.Order == frame.Gray {
		g, err := f.GrayImage()
		if err != nil {
			return nil, err
		}
		img = g
	} else {
		rgba, err := f.RGBA()
		if err != nil {
			return nil, err
		}
		img = rgba
	}

	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height / 8)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPlaceholder(width, height int) []byte {
	out, err := StdlibBackend{}.Encode(frame.Placeholder(width, height), DefaultQuality)
	if err == nil && len(out) > 0 {
		return out
	}
	// A 1x1 grey image cannot fail to encode.
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1)), nil)
	return buf.Bytes()
}
