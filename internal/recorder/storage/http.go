package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
)

const (
	DefaultUploadTimeout = 30 * time.Second
	maxLoggedBody        = 4 << 10
)

// HTTPSink posts a recording to the video API as multipart/form-data with
// the file in field "video" and the key in field "apiKey". The API accepts
// no other fields, so upload metadata is not sent.
type HTTPSink struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger

	uploads     atomic.Uint64
	uploadBytes atomic.Uint64
	failures    atomic.Uint64
}

type HTTPSinkOption func(*HTTPSink)

func WithHTTPClient(c *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) { s.client = c }
}

func WithHTTPLogger(l *zap.Logger) HTTPSinkOption {
	return func(s *HTTPSink) { s.logger = l }
}

func NewHTTPSink(url, apiKey string, timeout time.Duration, opts ...HTTPSinkOption) *HTTPSink {
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	s := &HTTPSink{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = camlog.Or(s.logger, "upload").With(zap.String("sink", s.Name()))
	return s
}

func (s *HTTPSink) Name() string { return "video-api" }

// Upload streams the file; it is never buffered whole in memory.
func (s *HTTPSink) Upload(ctx context.Context, key, filePath string, opts ...PutOption) error {
	o := newPutOptions(filePath, opts)

	f, err := os.Open(filePath)
	if err != nil {
		s.failures.Add(1)
		return &UploadError{Sink: s.Name(), Key: key, Err: err}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan int64, 1)
	go func() {
		n, err := writeForm(mw, s.apiKey, key, o, f)
		written <- n
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		pr.CloseWithError(err)
		s.failures.Add(1)
		return &UploadError{Sink: s.Name(), Key: key, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	// Unblock the writer if the request died before reading the body.
	pr.CloseWithError(errors.New("request finished"))
	n := <-written
	if err != nil {
		s.failures.Add(1)
		return &UploadError{Sink: s.Name(), Key: key, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		s.failures.Add(1)
		return &UploadError{
			Sink:       s.Name(),
			Key:        key,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", bytesOrEmpty(body)),
		}
	}

	s.uploads.Add(1)
	s.uploadBytes.Add(uint64(n))
	s.logger.Info("Video uploaded",
		zap.String("key", key),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", n),
		zap.ByteString("response", body))
	return nil
}

func writeForm(mw *multipart.Writer, apiKey, key string, o *putOptions, f io.Reader) (int64, error) {
	if err := mw.WriteField("apiKey", apiKey); err != nil {
		return 0, err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, filepath.Base(key)))
	h.Set("Content-Type", o.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(part, f)
	if err != nil {
		return n, err
	}
	return n, mw.Close()
}

func bytesOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "(empty body)"
	}
	return string(b)
}

// HTTPSinkMetrics is a snapshot of sink counters.
type HTTPSinkMetrics struct {
	Uploads     uint64 `json:"uploads"`
	UploadBytes uint64 `json:"upload_bytes"`
	Errors      uint64 `json:"errors"`
}

func (s *HTTPSink) Metrics() HTTPSinkMetrics {
	return HTTPSinkMetrics{
		Uploads:     s.uploads.Load(),
		UploadBytes: s.uploadBytes.Load(),
		Errors:      s.failures.Load(),
	}
}
