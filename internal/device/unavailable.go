package device

import (
	"context"
	"time"

	"github.com/Waupie/home-security-camera/internal/frame"
)

// Unavailable stands in when no backend opens. Every call fails with a
// DeviceError so callers fall back to placeholders.
type Unavailable struct {
	Reason error
}

func (u Unavailable) err(op string) error {
	reason := u.Reason
	if reason == nil {
		reason = ErrUnavailable
	}
	return deviceErr(op, "unavailable", reason)
}

func (Unavailable) Name() string         { return "unavailable" }
func (Unavailable) RecordingExt() string { return "mp4" }
func (Unavailable) Close() error         { return nil }

func (u Unavailable) Acquire(context.Context) (*frame.Frame, error) {
	return nil, u.err("acquire")
}

func (u Unavailable) Record(context.Context, time.Duration, string) error {
	return u.err("record")
}
