// Package storage hands finished recordings to external sinks and reads the
// remote video catalog.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
)

// Sink receives a finished recording. Implementations make exactly one
// attempt; the caller decides what a failure means.
type Sink interface {
	Name() string
	Upload(ctx context.Context, key, filePath string, opts ...PutOption) error
}

// PutOption configures an upload.
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

func newPutOptions(filePath string, opts []PutOption) *putOptions {
	o := &putOptions{ContentType: ContentTypeFor(filePath)}
	for _, opt := range opts {
		opt.applyPut(o)
	}
	return o
}

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) {
	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string, len(o))
	}
	for k, v := range o {
		opts.Metadata[k] = v
	}
}

func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

var videoTypes = map[string]string{
	".mp4":   "video/mp4",
	".mkv":   "video/x-matroska",
	".avi":   "video/x-msvideo",
	".h264":  "video/h264",
	".mjpeg": "video/x-motion-jpeg",
}

// ContentTypeFor guesses a MIME type from the file extension.
func ContentTypeFor(path string) string {
	ext := filepath.Ext(path)
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// UploadError represents a failed hand-off to a sink
type UploadError struct {
	Sink       string
	Key        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload %s to %s: status %d: %v", e.Key, e.Sink, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upload %s to %s: %v", e.Key, e.Sink, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var uerr *UploadError
	if errors.As(err, &uerr) {
		return uerr.StatusCode == 401 || uerr.StatusCode == 403
	}
	return false
}
