//go:build opencv

package imgconv

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/Waupie/home-security-camera/internal/frame"
)

// ToMat converts a frame into a BGR (or single channel) Mat.
// Returns a Mat you own - caller must Close() it.
func ToMat(f *frame.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), err
	}

	switch f.Order {
	case frame.Gray:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Pix)
	case frame.BGR:
		return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
	default:
		rgb, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Pix)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("imgconv: failed to create Mat from RGB: %w", err)
		}
		defer rgb.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)
		return bgr, nil
	}
}

// FromMat copies an 8-bit BGR or single channel Mat into a frame.
func FromMat(m gocv.Mat, captured time.Time) (*frame.Frame, error) {
	if m.Empty() {
		return nil, errEmpty
	}

	var order frame.ChannelOrder
	switch m.Type() {
	case gocv.MatTypeCV8UC3:
		order = frame.BGR
	case gocv.MatTypeCV8UC1:
		order = frame.Gray
	default:
		return nil, fmt.Errorf("imgconv: unsupported Mat type %v", m.Type())
	}

	f := &frame.Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Order:    order,
		Pix:      m.ToBytes(),
		Captured: captured,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
