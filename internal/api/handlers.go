package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/recorder"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

const streamBoundary = "frame"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStream writes multipart/x-mixed-replace parts until the client
// leaves or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	frames, cancel := s.deps.Stream.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("Stream client connected", zap.String("remote", r.RemoteAddr))
	sent := 0
	defer func() {
		s.logger.Debug("Stream client gone", zap.String("remote", r.RemoteAddr), zap.Int("frames", sent))
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-frames:
			if !ok {
				fmt.Fprintf(w, "--%s--\r\n", streamBoundary)
				return
			}
			if err := writePart(w, f.JPEG); err != nil {
				return
			}
			flusher.Flush()
			sent++
		}
	}
}

func writePart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	jpg := s.deps.Stream.Snapshot(r.Context())
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpg)))
	w.Write(jpg)
}

// handleRecord starts a clip. An optional ?duration= in seconds overrides
// the configured length.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	d := s.deps.RecordDuration
	if v := r.URL.Query().Get("duration"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 || time.Duration(secs)*time.Second > MaxRecordDuration {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("duration must be 1..%d seconds", int(MaxRecordDuration.Seconds())))
			return
		}
		d = time.Duration(secs) * time.Second
	}

	job, err := s.deps.Recorder.Start(d)
	switch {
	case errors.Is(err, recorder.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	case errors.Is(err, recorder.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "recorder is shutting down")
		return
	case err != nil:
		s.logger.Error("Failed to start recording", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "started",
		"duration": int(job.Duration.Seconds()),
		"id":       job.ID,
		"filename": job.Filename(),
	})
}

func (s *Server) handleLastRecording(w http.ResponseWriter, r *http.Request) {
	var filename *string
	if name, ok := s.deps.Recorder.LastRecording(); ok {
		filename = &name
	}
	writeJSON(w, http.StatusOK, map[string]*string{"filename": filename})
}

// handleRecording serves one file from the recordings directory. Names
// that are not a plain base name are rejected.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validRecordingName(name) {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}

	path := filepath.Join(s.deps.RecordingsDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypeFor(name))
	http.ServeFile(w, r, path)
}

func validRecordingName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name && !strings.HasPrefix(name, ".")
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Movement.Read())
}

// handleForceMovement sets (value=true), clears (value=false) or toggles
// (no value) the movement flag.
func (s *Server) handleForceMovement(w http.ResponseWriter, r *http.Request) {
	var value *bool
	if v := r.URL.Query().Get("value"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "value must be true or false")
			return
		}
		value = &b
	}
	snap := s.deps.Movement.Force(value)
	s.logger.Info("Movement forced", zap.Bool("movement", snap.Active))
	writeJSON(w, http.StatusOK, snap)
}
