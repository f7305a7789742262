package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
	"github.com/Waupie/home-security-camera/internal/frame"
	"github.com/Waupie/home-security-camera/internal/imgconv"
)

const (
	defaultFrameTimeout = 5 * time.Second
	stopGrace           = 2 * time.Second
	// rpicam-vid needs a moment to bring up the sensor before the -t clock
	// starts; ffmpeg needs time to write the moov atom.
	recordGrace = 15 * time.Second
)

var (
	errFrameTimeout  = errors.New("no frame received in time")
	errRecordTimeout = errors.New("recording did not finish in time")
	errStreamEnded   = errors.New("capture process exited")
)

// commandProfile describes one external capture program.
type commandProfile struct {
	name   string
	binary string
	// usesNode is set for programs that read a V4L2 device node.
	usesNode bool
	ext      string
	stream   func(o Options) []string
	record   func(o Options, d time.Duration, path string) []string
}

func libcameraProfile(name, binary string) commandProfile {
	return commandProfile{
		name:   name,
		binary: binary,
		ext:    "mp4",
		stream: func(o Options) []string {
			return []string{
				"--timeout", "0",
				"--nopreview",
				"--width", strconv.Itoa(o.Width),
				"--height", strconv.Itoa(o.Height),
				"--framerate", strconv.Itoa(o.FPS),
				"--codec", "mjpeg",
				"--quality", strconv.Itoa(o.Quality),
				"--inline",
				"--output", "-",
			}
		},
		record: func(o Options, d time.Duration, path string) []string {
			return []string{
				"--timeout", strconv.FormatInt(d.Milliseconds(), 10),
				"--nopreview",
				"--width", strconv.Itoa(o.Width),
				"--height", strconv.Itoa(o.Height),
				"--framerate", strconv.Itoa(o.FPS),
				"--codec", "libav",
				"--libav-format", "mp4",
				"--output", path,
			}
		},
	}
}

var ffmpegProfile = commandProfile{
	name:     "ffmpeg",
	binary:   "ffmpeg",
	usesNode: true,
	ext:      "mp4",
	stream: func(o Options) []string {
		return []string{
			"-hide_banner", "-loglevel", "warning",
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height),
			"-framerate", strconv.Itoa(o.FPS),
			"-i", o.Path,
			"-an",
			"-c:v", "mjpeg",
			"-q:v", strconv.Itoa(qscale(o.Quality)),
			"-f", "mjpeg",
			"-",
		}
	},
	record: func(o Options, d time.Duration, path string) []string {
		return []string{
			"-y", "-hide_banner", "-loglevel", "warning",
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height),
			"-framerate", strconv.Itoa(o.FPS),
			"-i", o.Path,
			"-t", strconv.FormatFloat(d.Seconds(), 'f', 3, 64),
			"-an",
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			path,
		}
	},
}

var commandProfiles = map[string]commandProfile{
	"rpicam":    libcameraProfile("rpicam", "rpicam-vid"),
	"libcamera": libcameraProfile("libcamera", "libcamera-vid"),
	"ffmpeg":    ffmpegProfile,
}

// qscale maps JPEG quality 1..100 onto ffmpeg's -q:v 31..2.
func qscale(quality int) int {
	q := 2 + (100-quality)*29/99
	return max(2, min(31, q))
}

// CommandDevice captures by running an external program that writes MJPEG
// to stdout. Recording stops the stream and runs the same program in its
// file-output mode.
type CommandDevice struct {
	profile      commandProfile
	binPath      string
	opts         Options
	logger       *zap.Logger
	frameTimeout time.Duration

	mu     sync.Mutex
	stream *streamProc
	closed bool

	frames atomic.Uint64
}

type streamProc struct {
	cmd    *exec.Cmd
	latest chan []byte
	done   chan struct{}
	err    error
}

// NewCommandDevice resolves the program for backend and checks that the
// device node exists when the program needs one. It does not start capture.
func NewCommandDevice(backend string, opts Options, logger *zap.Logger) (*CommandDevice, error) {
	p, ok := commandProfiles[backend]
	if !ok {
		return nil, &DeviceError{Op: "open", Device: backend, Err: fmt.Errorf("unknown command backend %q", backend)}
	}
	opts = opts.withDefaults()
	bin, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: backend, Err: err}
	}
	if p.usesNode {
		if _, err := os.Stat(opts.Path); err != nil {
			return nil, &DeviceError{Op: "open", Device: backend, Err: err}
		}
	}
	return &CommandDevice{
		profile:      p,
		binPath:      bin,
		opts:         opts,
		logger:       camlog.Or(logger, "device").With(zap.String("backend", backend)),
		frameTimeout: defaultFrameTimeout,
	}, nil
}

func (d *CommandDevice) Name() string         { return d.profile.name }
func (d *CommandDevice) RecordingExt() string { return d.profile.ext }
func (d *CommandDevice) Frames() uint64       { return d.frames.Load() }

// Acquire returns the most recent frame the capture process produced,
// starting the process if needed.
func (d *CommandDevice) Acquire(ctx context.Context) (*frame.Frame, error) {
	sp, err := d.ensureStream()
	if err != nil {
		return nil, deviceErr("acquire", d.Name(), err)
	}

	timer := time.NewTimer(d.frameTimeout)
	defer timer.Stop()

	// A corrupt image is not a device failure: those errors are returned
	// unwrapped so a Reopener keeps the process running.
	select {
	case data := <-sp.latest:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		f, err := imgconv.ToFrame(img, frame.RGB, time.Now())
		if err != nil {
			return nil, err
		}
		d.frames.Add(1)
		return f, nil
	case <-sp.done:
		d.stopStream(sp)
		err := sp.err
		if err == nil || errors.Is(err, io.EOF) {
			err = errStreamEnded
		}
		return nil, deviceErr("acquire", d.Name(), err)
	case <-timer.C:
		d.stopStream(sp)
		return nil, deviceErr("acquire", d.Name(), errFrameTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Record runs the program in file-output mode for exactly dur.
func (d *CommandDevice) Record(ctx context.Context, dur time.Duration, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return deviceErr("record", d.Name(), ErrClosed)
	}
	d.stopStreamLocked()

	cmd := exec.Command(d.binPath, d.profile.record(d.opts, dur, path)...)
	setProcessGroup(cmd)
	cmd.Stderr = &lineLogger{logger: d.logger, prefix: "record"}

	d.logger.Info("Starting native recording",
		zap.String("path", path),
		zap.Duration("duration", dur))

	if err := cmd.Start(); err != nil {
		return deviceErr("record", d.Name(), err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	deadline := time.NewTimer(dur + recordGrace)
	defer deadline.Stop()

	select {
	case err := <-waitErr:
		if err != nil {
			return deviceErr("record", d.Name(), fmt.Errorf("%s exited: %w", d.profile.binary, err))
		}
		return nil
	case <-ctx.Done():
		terminate(cmd, waitErr)
		return deviceErr("record", d.Name(), ctx.Err())
	case <-deadline.C:
		terminate(cmd, waitErr)
		return deviceErr("record", d.Name(), errRecordTimeout)
	}
}

// Close stops any running capture process.
func (d *CommandDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopStreamLocked()
	return nil
}

func (d *CommandDevice) ensureStream() (*streamProc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.stream != nil {
		select {
		case <-d.stream.done:
			d.stopStreamLocked()
		default:
			return d.stream, nil
		}
	}

	cmd := exec.Command(d.binPath, d.profile.stream(d.opts)...)
	setProcessGroup(cmd)
	cmd.Stderr = &lineLogger{logger: d.logger, prefix: "stream"}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	sp := &streamProc{
		cmd:    cmd,
		latest: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	go sp.pump(stdout)
	d.stream = sp

	d.logger.Info("Capture process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("width", d.opts.Width),
		zap.Int("height", d.opts.Height),
		zap.Int("fps", d.opts.FPS))
	return sp, nil
}

func (d *CommandDevice) stopStream(sp *streamProc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == sp {
		d.stopStreamLocked()
	}
}

func (d *CommandDevice) stopStreamLocked() {
	sp := d.stream
	if sp == nil {
		return
	}
	d.stream = nil

	_ = signalGroup(sp.cmd, false)
	select {
	case <-sp.done:
	case <-time.After(stopGrace):
		_ = signalGroup(sp.cmd, true)
		<-sp.done
	}
	if err := sp.cmd.Wait(); err != nil {
		d.logger.Debug("Capture process exited", zap.Error(err))
	}
}

// pump keeps only the newest image so a slow consumer never sees stale
// frames.
func (sp *streamProc) pump(r io.Reader) {
	defer close(sp.done)
	mr := NewMJPEGReader(r)
	for {
		img, err := mr.Next()
		if errors.Is(err, errFrameTooLarge) {
			continue
		}
		if err != nil {
			sp.err = err
			return
		}
		select {
		case sp.latest <- img:
		default:
			select {
			case <-sp.latest:
			default:
			}
			select {
			case sp.latest <- img:
			default:
			}
		}
	}
}

func terminate(cmd *exec.Cmd, waitErr <-chan error) {
	_ = signalGroup(cmd, false)
	select {
	case <-waitErr:
	case <-time.After(stopGrace):
		_ = signalGroup(cmd, true)
		<-waitErr
	}
}

// lineLogger forwards a child's stderr to the logger one line at a time.
type lineLogger struct {
	logger *zap.Logger
	prefix string
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug("capture output", zap.String("proc", l.prefix), zap.ByteString("line", line))
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 4096 {
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
