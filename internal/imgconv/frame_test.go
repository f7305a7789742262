package imgconv

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/Waupie/home-security-camera/internal/frame"
)

func within(a, b uint8, tol int) bool {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestToFrameYCbCr(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	want := color.RGBA{R: 200, G: 40, B: 90, A: 255}
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			src.SetRGBA(x, y, want)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded.(*image.YCbCr); !ok {
		t.Fatalf("decoded type %T, want *image.YCbCr", decoded)
	}

	tests := []struct {
		order   frame.ChannelOrder
		r, g, b int
	}{
		{frame.RGB, 0, 1, 2},
		{frame.BGR, 2, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			f, err := ToFrame(decoded, tt.order, time.Now())
			if err != nil {
				t.Fatalf("ToFrame failed: %v", err)
			}
			if err := f.Validate(); err != nil {
				t.Fatal(err)
			}
			p := f.Pix[(8*16+8)*3:]
			if !within(p[tt.r], want.R, 6) || !within(p[tt.g], want.G, 6) || !within(p[tt.b], want.B, 6) {
				t.Errorf("pixel %v, want ~%v", p[:3], want)
			}
		})
	}

	g, err := ToFrame(decoded, frame.Gray, time.Now())
	if err != nil || g.Order != frame.Gray || len(g.Pix) != 16*16 {
		t.Fatalf("gray conversion failed: %v", err)
	}
}

func TestToFrameRGBAUnpremultiplies(t *testing.T) {
	src := image.NewRGBA(image.Rect(2, 2, 4, 4))
	// 50% alpha premultiplied red.
	src.SetRGBA(2, 2, color.RGBA{R: 100, A: 128})

	f, err := ToFrame(src, frame.RGB, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 2 || f.Height != 2 {
		t.Fatalf("size %dx%d", f.Width, f.Height)
	}
	if f.Pix[0] < 195 {
		t.Errorf("red = %d, want unpremultiplied ~199", f.Pix[0])
	}
}

func TestToFrameGrayAndGeneric(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 1))
	g.Pix[1] = 77
	f, err := ToFrame(g, frame.BGR, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if f.Pix[3] != 77 || f.Pix[4] != 77 || f.Pix[5] != 77 {
		t.Errorf("gray pixel expanded to %v", f.Pix[3:6])
	}

	n := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	n.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	f, err = ToFrame(n, frame.BGR, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if f.Pix[0] != 30 || f.Pix[2] != 10 {
		t.Errorf("generic pixel = %v", f.Pix)
	}

	if _, err := ToFrame(nil, frame.RGB, time.Now()); err == nil {
		t.Error("nil image should fail")
	}
}
