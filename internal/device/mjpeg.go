package device

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const (
	mjpegReadChunk = 4096
	// A camera that never emits EOI would otherwise grow the buffer forever.
	mjpegMaxFrame = 10 * 1024 * 1024
)

var errFrameTooLarge = errors.New("mjpeg frame exceeds size limit")

// MJPEGReader splits a concatenated MJPEG byte stream (what rpicam-vid and
// ffmpeg write to stdout) into individual JPEG images.
type MJPEGReader struct {
	r   *bufio.Reader
	buf []byte
	max int
	// scan is where the EOI search resumes in buf. buf starts with SOI
	// whenever scan is non-zero.
	scan int
}

func NewMJPEGReader(r io.Reader) *MJPEGReader {
	return &MJPEGReader{r: bufio.NewReaderSize(r, 64*1024), max: mjpegMaxFrame}
}

// Next returns the next complete SOI..EOI image. The returned slice is owned
// by the caller.
func (m *MJPEGReader) Next() ([]byte, error) {
	chunk := make([]byte, mjpegReadChunk)
	for {
		if start := bytes.Index(m.buf, jpegSOI); start >= 0 {
			if start > 0 {
				m.buf = append(m.buf[:0], m.buf[start:]...)
				m.scan = 0
			}
			from := max(2, m.scan)
			if end := bytes.Index(m.buf[from:], jpegEOI); end >= 0 {
				stop := from + end + 2
				img := make([]byte, stop)
				copy(img, m.buf[:stop])
				m.buf = append(m.buf[:0], m.buf[stop:]...)
				m.scan = 0
				return img, nil
			}
			// Back up one byte: the marker may straddle two reads.
			m.scan = max(2, len(m.buf)-1)
		} else if len(m.buf) > 1 {
			// Keep a trailing 0xFF in case it starts the next SOI.
			m.buf = append(m.buf[:0], m.buf[len(m.buf)-1:]...)
			m.scan = 0
		}

		if len(m.buf) > m.max {
			m.buf = m.buf[:0]
			m.scan = 0
			return nil, errFrameTooLarge
		}

		n, err := m.r.Read(chunk)
		if n > 0 {
			m.buf = append(m.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}
