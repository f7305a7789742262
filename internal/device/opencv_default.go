//go:build !opencv

package device

import "go.uber.org/zap"

func openOpenCV(Options, *zap.Logger) (Device, error) {
	return nil, &DeviceError{Op: "open", Device: "opencv", Err: ErrNotCompiled}
}
