// Package frame defines the raw pixel buffer passed between the capture
// device, the motion detector and the encoder.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"
)

// ChannelOrder describes how samples are interleaved in Frame.Pix.
type ChannelOrder int

const (
	RGB ChannelOrder = iota
	BGR
	Gray
)

func (o ChannelOrder) String() string {
	switch o {
	case RGB:
		return "RGB"
	case BGR:
		return "BGR"
	case Gray:
		return "Gray"
	default:
		return fmt.Sprintf("ChannelOrder(%d)", int(o))
	}
}

// Channels returns the number of bytes per pixel.
func (o ChannelOrder) Channels() int {
	if o == Gray {
		return 1
	}
	return 3
}

// ErrInvalidFrame is returned when a buffer does not match its dimensions.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is a tightly packed pixel buffer (stride == Width*Channels).
type Frame struct {
	Width    int
	Height   int
	Order    ChannelOrder
	Pix      []byte
	Captured time.Time
}

// New allocates a zeroed frame.
func New(width, height int, order ChannelOrder) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Order:    order,
		Pix:      make([]byte, width*height*order.Channels()),
		Captured: time.Now(),
	}
}

// Validate checks that Pix matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if f.Order < RGB || f.Order > Gray {
		return fmt.Errorf("%w: channel order %v", ErrInvalidFrame, f.Order)
	}
	if want := f.Width * f.Height * f.Order.Channels(); len(f.Pix) != want {
		return fmt.Errorf("%w: %d bytes for %dx%d %v, want %d", ErrInvalidFrame, len(f.Pix), f.Width, f.Height, f.Order, want)
	}
	return nil
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	cp := *f
	cp.Pix = append([]byte(nil), f.Pix...)
	return &cp
}

// RGBA converts the frame to an RGBA image with channels in display order,
// whatever order the device delivered them in.
func (f *Frame) RGBA() (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	dst := img.Pix
	src := f.Pix

	switch f.Order {
	case RGB:
		for i := 0; i < n; i++ {
			dst[i*4], dst[i*4+1], dst[i*4+2], dst[i*4+3] = src[i*3], src[i*3+1], src[i*3+2], 0xff
		}
	case BGR:
		for i := 0; i < n; i++ {
			dst[i*4], dst[i*4+1], dst[i*4+2], dst[i*4+3] = src[i*3+2], src[i*3+1], src[i*3], 0xff
		}
	case Gray:
		for i := 0; i < n; i++ {
			v := src[i]
			dst[i*4], dst[i*4+1], dst[i*4+2], dst[i*4+3] = v, v, v, 0xff
		}
	}
	return img, nil
}

// GrayImage returns the luma plane using BT.601 weights.
func (f *Frame) GrayImage() (*image.Gray, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	if f.Order == Gray {
		copy(g.Pix, f.Pix)
		return g, nil
	}

	ri, bi := 0, 2
	if f.Order == BGR {
		ri, bi = 2, 0
	}
	for i := 0; i < n; i++ {
		p := f.Pix[i*3 : i*3+3]
		// Integer approximation of 0.299R + 0.587G + 0.114B.
		g.Pix[i] = uint8((19595*uint32(p[ri]) + 38470*uint32(p[1]) + 7471*uint32(p[bi]) + 1<<15) >> 16)
	}
	return g, nil
}

// Solid returns a frame filled with one colour.
func Solid(width, height int, order ChannelOrder, c color.RGBA) *Frame {
	f := New(width, height, order)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.SetRGB(x, y, c.R, c.G, c.B)
		}
	}
	return f
}

// SetRGB writes one pixel given in display order.
func (f *Frame) SetRGB(x, y int, r, g, b uint8) {
	switch f.Order {
	case RGB:
		i := (y*f.Width + x) * 3
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = r, g, b
	case BGR:
		i := (y*f.Width + x) * 3
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = b, g, r
	case Gray:
		f.Pix[y*f.Width+x] = color.GrayModel.Convert(color.RGBA{R: r, G: g, B: b, A: 0xff}).(color.Gray).Y
	}
}
