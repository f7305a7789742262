package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/Waupie/home-security-camera/internal/framestream"
	"github.com/Waupie/home-security-camera/internal/movement"
	"github.com/Waupie/home-security-camera/internal/recorder"
	"github.com/Waupie/home-security-camera/internal/recorder/storage"
)

type fakeStream struct {
	frames [][]byte
}

func (f *fakeStream) Snapshot(ctx context.Context) []byte { return []byte("snapshot-jpeg") }

func (f *fakeStream) Subscribe() (<-chan framestream.EncodedFrame, func()) {
	ch := make(chan framestream.EncodedFrame, len(f.frames))
	for i, b := range f.frames {
		ch <- framestream.EncodedFrame{JPEG: b, Sequence: int64(i)}
	}
	close(ch)
	return ch, func() {}
}

type fakeRecorder struct {
	mu       sync.Mutex
	busy     bool
	last     string
	duration time.Duration
}

func (f *fakeRecorder) Start(d time.Duration) (recorder.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return recorder.Job{}, recorder.ErrBusy
	}
	f.busy = true
	f.duration = d
	return recorder.Job{ID: "job-1", OutputPath: "/rec/recording-20250101-000000.mp4", Duration: d}, nil
}

func (f *fakeRecorder) LastRecording() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.last != ""
}

type fakeLister struct {
	videos []storage.Video
	err    error
}

func (f *fakeLister) List(ctx context.Context) ([]storage.Video, error) { return f.videos, f.err }

type harness struct {
	srv      *Server
	rec      *fakeRecorder
	movement *movement.State
	dir      string
}

func newHarness(t *testing.T, catalog storage.Lister) *harness {
	t.Helper()
	h := &harness{
		rec:      &fakeRecorder{},
		movement: movement.NewState(10 * time.Second),
		dir:      t.TempDir(),
	}
	h.srv = NewServer("127.0.0.1:0", Deps{
		Stream:         &fakeStream{frames: [][]byte{[]byte("one"), []byte("two")}},
		Recorder:       h.rec,
		Movement:       h.movement,
		Catalog:        catalog,
		RecordingsDir:  h.dir,
		RecordDuration: 10 * time.Second,
	}, WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { h.srv.Shutdown(context.Background()) })
	return h
}

func (h *harness) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestStreamWritesMultipart(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/stream")

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}

	mr := multipart.NewReader(rec.Body, "frame")
	var parts []string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if ct := p.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part content type = %q", ct)
		}
		b, _ := io.ReadAll(p)
		parts = append(parts, string(b))
	}
	if len(parts) != 2 || parts[0] != "one" || parts[1] != "two" {
		t.Fatalf("parts = %q", parts)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/snapshot")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" || rec.Body.String() != "snapshot-jpeg" {
		t.Fatalf("snapshot = %d %q %q", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}
}

func TestRecordStartedThenBusy(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/record")
	if rec.Code != http.StatusOK {
		t.Fatalf("first record = %d", rec.Code)
	}
	var started struct {
		Status   string `json:"status"`
		Duration int    `json:"duration"`
	}
	decode(t, rec, &started)
	if started.Status != "started" || started.Duration != 10 {
		t.Fatalf("body = %+v", started)
	}

	rec = h.do(http.MethodPost, "/record")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second record = %d", rec.Code)
	}
	var busy map[string]string
	decode(t, rec, &busy)
	if busy["status"] != "busy" {
		t.Fatalf("body = %v", busy)
	}
}

func TestRecordDurationParam(t *testing.T) {
	tests := []struct {
		query string
		code  int
		want  time.Duration
	}{
		{"?duration=30", http.StatusOK, 30 * time.Second},
		{"?duration=0", http.StatusBadRequest, 0},
		{"?duration=abc", http.StatusBadRequest, 0},
		{"?duration=601", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/record"+tt.query)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			if tt.want != 0 && h.rec.duration != tt.want {
				t.Fatalf("duration = %v, want %v", h.rec.duration, tt.want)
			}
		})
	}
}

func TestRecordRateLimited(t *testing.T) {
	rec := &fakeRecorder{}
	srv := NewServer("127.0.0.1:0", Deps{
		Stream:   &fakeStream{},
		Recorder: rec,
		Movement: movement.NewState(time.Second),
	}, WithLogger(zaptest.NewLogger(t)), WithRecordLimiter(NewRateLimiter(1, time.Hour)))
	defer srv.Shutdown(context.Background())

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/record", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestLastRecording(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/last_recording")
	if strings.TrimSpace(rec.Body.String()) != `{"filename":null}` {
		t.Fatalf("body = %s", rec.Body.String())
	}

	h.rec.last = "recording-20250101-000000.mp4"
	rec = h.do(http.MethodGet, "/last_recording")
	var body map[string]string
	decode(t, rec, &body)
	if body["filename"] != "recording-20250101-000000.mp4" {
		t.Fatalf("body = %v", body)
	}
}

func TestRecordingsServeAndTraversal(t *testing.T) {
	h := newHarness(t, nil)
	if err := os.WriteFile(filepath.Join(h.dir, "clip.mp4"), []byte("video-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := h.do(http.MethodGet, "/recordings/clip.mp4")
	if rec.Code != http.StatusOK || rec.Body.String() != "video-bytes" || rec.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("serve = %d %q %q", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}

	if rec := h.do(http.MethodGet, "/recordings/missing.mp4"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}

	for _, name := range []string{"../secret", `..\secret`, ".env", "a/b.mp4"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/recordings/x", nil)
		req.SetPathValue("name", name)
		h.srv.handleRecording(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q = %d, want 400", name, w.Code)
		}
	}
}

func TestMovementRoutes(t *testing.T) {
	h := newHarness(t, nil)

	var snap struct {
		Movement     bool    `json:"movement"`
		LastMovement *string `json:"last_movement"`
	}
	decode(t, h.do(http.MethodGet, "/movement"), &snap)
	if snap.Movement || snap.LastMovement != nil {
		t.Fatalf("initial = %+v", snap)
	}

	decode(t, h.do(http.MethodPost, "/movement/force?value=true"), &snap)
	if !snap.Movement || snap.LastMovement == nil {
		t.Fatalf("forced = %+v", snap)
	}

	decode(t, h.do(http.MethodPost, "/movement/force"), &snap)
	if snap.Movement {
		t.Fatalf("toggle inside hold window should clear, got %+v", snap)
	}

	if rec := h.do(http.MethodPost, "/movement/force?value=maybe"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad value = %d", rec.Code)
	}
}

func TestVideos(t *testing.T) {
	videos := []storage.Video{
		{"id": float64(2), "created_at": "2025-12-03T14:04:39Z"},
		{"id": float64(1), "created_at": "2025-12-01T10:00:00Z"},
	}
	h := newHarness(t, &fakeLister{videos: videos})

	var list []map[string]any
	decode(t, h.do(http.MethodGet, "/videos"), &list)
	if len(list) != 2 || list[0]["id"].(float64) != 2 {
		t.Fatalf("list = %v", list)
	}

	var groups []struct {
		Date   string           `json:"date"`
		Videos []map[string]any `json:"videos"`
	}
	decode(t, h.do(http.MethodGet, "/videos/grouped"), &groups)
	if len(groups) != 2 || groups[0].Date != "2025-12-03" || groups[1].Date != "2025-12-01" {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestVideosErrors(t *testing.T) {
	tests := []struct {
		name    string
		catalog storage.Lister
		code    int
	}{
		{"not configured", nil, http.StatusInternalServerError},
		{"upstream status passed through", &fakeLister{err: &storage.CatalogError{Source: "video-api", StatusCode: http.StatusBadGateway, Err: errors.New("down")}}, http.StatusBadGateway},
		{"transport error", &fakeLister{err: &storage.CatalogError{Source: "video-api", Err: errors.New("refused")}}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.catalog)
			for _, path := range []string{"/videos", "/videos/grouped"} {
				rec := h.do(http.MethodGet, path)
				if rec.Code != tt.code {
					t.Fatalf("%s = %d, want %d", path, rec.Code, tt.code)
				}
				var body map[string]string
				decode(t, rec, &body)
				if body["error"] == "" {
					t.Fatalf("%s body = %s", path, rec.Body.String())
				}
			}
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodOptions, "/record", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight = %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS header set for unknown origin")
	}
}

func TestMovementWebSocket(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/movement"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		Movement bool `json:"movement"`
	}
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("initial: %v", err)
	}
	if snap.Movement {
		t.Fatal("initial snapshot active")
	}

	v := true
	h.movement.Force(&v)
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !snap.Movement {
		t.Fatal("update not active")
	}
	if n := h.srv.Hub().ClientCount(); n != 1 {
		t.Fatalf("clients = %d", n)
	}
}

func dialMovement(t *testing.T, srv *Server, origin string) (*websocket.Conn, error) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/movement", header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, err
}

func TestMovementWebSocketOrigin(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := dialMovement(t, h.srv, "http://evil.example"); !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("unknown origin: err = %v, want bad handshake", err)
	}
	if _, err := dialMovement(t, h.srv, "http://localhost:3000"); err != nil {
		t.Fatalf("whitelisted origin: %v", err)
	}
}

func TestMovementWebSocketPushesExpiry(t *testing.T) {
	state := movement.NewState(150 * time.Millisecond)
	srv := NewServer("127.0.0.1:0", Deps{
		Stream:   &fakeStream{},
		Recorder: &fakeRecorder{},
		Movement: state,
	}, WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	conn, err := dialMovement(t, srv, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap struct {
		Movement     bool    `json:"movement"`
		LastMovement *string `json:"last_movement"`
	}
	if err := conn.ReadJSON(&snap); err != nil || snap.Movement {
		t.Fatalf("initial = %+v, %v", snap, err)
	}

	v := true
	state.Force(&v)
	if err := conn.ReadJSON(&snap); err != nil || !snap.Movement {
		t.Fatalf("trigger = %+v, %v", snap, err)
	}

	start := time.Now()
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if snap.Movement || snap.LastMovement != nil {
		t.Fatalf("expiry snapshot = %+v", snap)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expiry arrived after %v", elapsed)
	}
}

func TestHealthReportsChecksAndMetrics(t *testing.T) {
	srv := NewServer("127.0.0.1:0", Deps{
		Stream:   &fakeStream{},
		Recorder: &fakeRecorder{},
		Movement: movement.NewState(time.Second),
		Checks: map[string]HealthCheck{
			"camera": func(context.Context) error { return nil },
			"minio":  func(context.Context) error { return errors.New("bucket gone") },
		},
		Metrics: map[string]func() any{
			"recorder": func() any { return recorder.Metrics{Started: 3, Completed: 2} },
		},
	}, WithLogger(zaptest.NewLogger(t)))
	defer srv.Shutdown(context.Background())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var body struct {
		Status  string                    `json:"status"`
		Checks  map[string]string         `json:"checks"`
		Metrics map[string]map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	if body.Status != "degraded" || body.Checks["camera"] != "ok" || body.Checks["minio"] != "bucket gone" {
		t.Fatalf("body = %+v", body)
	}
	if got := body.Metrics["recorder"]["started"]; got != float64(3) {
		t.Fatalf("recorder metrics = %v", body.Metrics["recorder"])
	}
}
