//go:build opencv

package encoder

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/imgconv"
)

func platformBackends() []Backend { return []Backend{OpenCVBackend{}} }

// OpenCVBackend encodes with cv::imencode.
type OpenCVBackend struct{}

func (OpenCVBackend) Name() string { return "opencv" }

func (OpenCVBackend) Encode(f *frame.Frame, quality int) ([]byte, error) {
	mat, err := imgconv.ToMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("imencode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
