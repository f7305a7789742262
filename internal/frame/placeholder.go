package frame

import (
	"image"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PlaceholderLabel is drawn in the middle of synthetic frames.
const PlaceholderLabel = "NO SIGNAL"

// Placeholder returns the synthetic frame served while no real camera frame
// is available: a BGR gradient where row i is (i%256, 100, 150), labelled
// with PlaceholderLabel.
func Placeholder(width, height int) *Frame {
	if width <= 0 || height <= 0 {
		width, height = 320, 240
	}
	f := New(width, height, BGR)
	f.Captured = time.Now()
	for y := 0; y < height; y++ {
		row := f.Pix[y*width*3 : (y+1)*width*3]
		v := uint8(y % 256)
		for x := 0; x < width; x++ {
			row[x*3], row[x*3+1], row[x*3+2] = v, 100, 150
		}
	}
	drawLabel(f, PlaceholderLabel)
	return f
}

// drawLabel renders text in white at the frame centre. The font is drawn
// onto a scratch RGBA image and copied back so the channel order of f is
// respected.
func drawLabel(f *Frame, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()
	if width+4 > f.Width || height+4 > f.Height {
		return
	}

	mask := image.NewAlpha(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: face.Metrics().Ascent},
	}
	d.DrawString(text)

	ox := (f.Width - width) / 2
	oy := (f.Height - height) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask.AlphaAt(x, y).A == 0 {
				continue
			}
			f.SetRGB(ox+x, oy+y, 0xff, 0xff, 0xff)
		}
	}
}
