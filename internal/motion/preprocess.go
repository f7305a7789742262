package motion

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/Waupie/home-security-camera/internal/frame"
)

// DefaultPreprocessor returns the best preprocessor available in this build.
func DefaultPreprocessor(cfg Config) Preprocessor {
	if p := platformPreprocessor(cfg); p != nil {
		return p
	}
	return NewGoPreprocessor(cfg.Downsample, cfg.BlurKernel)
}

// GoPreprocessor is the portable pipeline: luma, area-style downscale with
// x/image/draw, then a separable Gaussian blur.
type GoPreprocessor struct {
	factor int
	kernel []float32
}

func NewGoPreprocessor(factor, ksize int) *GoPreprocessor {
	if factor < 1 {
		factor = 1
	}
	return &GoPreprocessor{factor: factor, kernel: gaussianKernel(ksize)}
}

func (p *GoPreprocessor) Preprocess(f *frame.Frame) (*image.Gray, error) {
	gray, err := f.GrayImage()
	if err != nil {
		return nil, err
	}

	small := gray
	if p.factor > 1 {
		w := max(1, f.Width/p.factor)
		h := max(1, f.Height/p.factor)
		small = image.NewGray(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(small, small.Rect, gray, gray.Rect, draw.Src, nil)
	}

	if len(p.kernel) <= 1 {
		return small, nil
	}
	return blur(small, p.kernel), nil
}

// gaussianKernel matches OpenCV's getGaussianKernel with sigma derived from
// the size: 0.3*((ksize-1)*0.5-1)+0.8.
func gaussianKernel(ksize int) []float32 {
	if ksize < 1 {
		ksize = 1
	}
	if ksize%2 == 0 {
		ksize++
	}
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	half := ksize / 2
	k := make([]float32, ksize)
	var sum float64
	for i := range k {
		x := float64(i - half)
		v := math.Exp(-(x * x) / (2 * sigma * sigma))
		k[i] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// blur applies the separable kernel with reflect-101 borders.
func blur(src *image.Gray, k []float32) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	half := len(k) / 2
	tmp := make([]float32, w*h)

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w]
		for x := 0; x < w; x++ {
			var acc float32
			for i, kv := range k {
				acc += kv * float32(row[reflect101(x+i-half, w)])
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for i, kv := range k {
				acc += kv * tmp[reflect101(y+i-half, h)*w+x]
			}
			dst.Pix[y*dst.Stride+x] = uint8(min(255, max(0, acc+0.5)))
		}
	}
	return dst
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
