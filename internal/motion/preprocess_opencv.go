//go:build opencv

package motion

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/imgconv"
)

func platformPreprocessor(cfg Config) Preprocessor {
	return &OpenCVPreprocessor{factor: cfg.Downsample, ksize: cfg.BlurKernel}
}

// OpenCVPreprocessor mirrors GoPreprocessor with cvtColor, INTER_AREA resize
// and GaussianBlur.
type OpenCVPreprocessor struct {
	factor int
	ksize  int
}

func (p *OpenCVPreprocessor) Preprocess(f *frame.Frame) (*image.Gray, error) {
	src, err := imgconv.ToMat(f)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	if src.Channels() > 1 {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	} else {
		src.CopyTo(&gray)
	}

	small := gocv.NewMat()
	defer small.Close()
	scale := 1.0 / float64(max(1, p.factor))
	gocv.Resize(gray, &small, image.Point{}, scale, scale, gocv.InterpolationArea)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(small, &blurred, image.Point{X: p.ksize, Y: p.ksize}, 0, 0, gocv.BorderDefault)

	out, err := blurred.ToImage()
	if err != nil {
		return nil, fmt.Errorf("mat to image: %w", err)
	}
	g, ok := out.(*image.Gray)
	if !ok {
		return nil, fmt.Errorf("unexpected image type %T", out)
	}
	return g, nil
}
