// Package imgconv converts decoded images into packed frames, handling odd
// dimensions, non-zero origins and premultiplied alpha.
package imgconv

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/Waupie/home-security-camera/internal/frame"
)

// YCbCr to RGB lookup tables for fast conversion (BT.601 full range)
var (
	ycbcrOnce  sync.Once
	ycbcrTable struct {
		cr2r [256]int32
		cb2b [256]int32
		cr2g [256]int32
		cb2g [256]int32
	}
)

var errEmpty = errors.New("imgconv: empty image")

// ToFrame packs img into a frame with the requested channel order.
func ToFrame(img image.Image, order frame.ChannelOrder, captured time.Time) (*frame.Frame, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errEmpty
	}

	b := img.Bounds()
	f := frame.New(b.Dx(), b.Dy(), order)
	f.Captured = captured

	switch im := img.(type) {
	case *image.YCbCr:
		fromYCbCr(f, im)
	case *image.RGBA:
		fromRGBA(f, im)
	case *image.Gray:
		fromGray(f, im)
	default:
		fromGeneric(f, img)
	}
	return f, nil
}

// fromYCbCr is the hot path: every JPEG decoded from the camera lands here.
func fromYCbCr(f *frame.Frame, im *image.YCbCr) {
	initYCbCrTables()
	b := im.Bounds()

	if f.Order == frame.Gray {
		for y := 0; y < f.Height; y++ {
			yi := im.YOffset(b.Min.X, y+b.Min.Y)
			copy(f.Pix[y*f.Width:(y+1)*f.Width], im.Y[yi:yi+f.Width])
		}
		return
	}

	ri, bi := 0, 2
	if f.Order == frame.BGR {
		ri, bi = 2, 0
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			yi := im.YOffset(x+b.Min.X, y+b.Min.Y)
			ci := im.COffset(x+b.Min.X, y+b.Min.Y)

			yy := int32(im.Y[yi])
			cb := im.Cb[ci]
			cr := im.Cr[ci]

			idx := (y*f.Width + x) * 3
			f.Pix[idx+ri] = clamp(yy + ycbcrTable.cr2r[cr])
			f.Pix[idx+1] = clamp(yy - ycbcrTable.cb2g[cb] - ycbcrTable.cr2g[cr])
			f.Pix[idx+bi] = clamp(yy + ycbcrTable.cb2b[cb])
		}
	}
}

// fromRGBA unpremultiplies so translucent edges do not go dark.
func fromRGBA(f *frame.Frame, im *image.RGBA) {
	y0, x0 := im.Rect.Min.Y, im.Rect.Min.X
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			idx := (y+y0)*im.Stride + (x+x0)*4
			r, g, b, a := im.Pix[idx], im.Pix[idx+1], im.Pix[idx+2], im.Pix[idx+3]
			if a > 0 && a < 255 {
				r = uint8((uint32(r) * 255) / uint32(a))
				g = uint8((uint32(g) * 255) / uint32(a))
				b = uint8((uint32(b) * 255) / uint32(a))
			}
			f.SetRGB(x, y, r, g, b)
		}
	}
}

func fromGray(f *frame.Frame, im *image.Gray) {
	y0, x0 := im.Rect.Min.Y, im.Rect.Min.X
	for y := 0; y < f.Height; y++ {
		row := im.Pix[(y+y0)*im.Stride+x0:]
		if f.Order == frame.Gray {
			copy(f.Pix[y*f.Width:(y+1)*f.Width], row[:f.Width])
			continue
		}
		for x := 0; x < f.Width; x++ {
			v := row[x]
			f.SetRGB(x, y, v, v, v)
		}
	}
}

func fromGeneric(f *frame.Frame, img image.Image) {
	b := img.Bounds()
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, bb, _ := img.At(x+b.Min.X, y+b.Min.Y).RGBA()
			f.SetRGB(x, y, uint8(r>>8), uint8(g>>8), uint8(bb>>8))
		}
	}
}

func initYCbCrTables() {
	ycbcrOnce.Do(func() {
		// BT.601 full range, fixed point with rounding.
		for i := 0; i < 256; i++ {
			cb := int32(i) - 128
			cr := int32(i) - 128

			ycbcrTable.cr2r[i] = (91881*cr + (1 << 15)) >> 16
			ycbcrTable.cb2b[i] = (116130*cb + (1 << 15)) >> 16
			ycbcrTable.cr2g[i] = (46802*cr + (1 << 15)) >> 16
			ycbcrTable.cb2g[i] = (22554*cb + (1 << 15)) >> 16
		}
	})
}

func clamp(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
