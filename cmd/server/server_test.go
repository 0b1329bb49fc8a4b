package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/models"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/align"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score/scoretest"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/stream"
)

type stubLister struct {
	devices []models.AudioDevice
	err     error
}

func (l stubLister) ListDevices(context.Context) ([]models.AudioDevice, error) {
	return l.devices, l.err
}

// sequence yields values and then ends with end, or blocks until
// cancelled when end is nil.
func sequence(end error, values ...float64) scorefollow.EngineFactory {
	return func(*score.Score, audio.Input, models.InputDescriptor) (align.Producer, error) {
		i := 0
		return align.ProducerFunc(func(ctx context.Context) (float64, error) {
			if i < len(values) {
				i++
				return values[i-1], nil
			}
			if end == nil {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 0, end
		}), nil
	}
}

// perWorker gives the n-th launched worker the single position n.
func perWorker() scorefollow.EngineFactory {
	var launched atomic.Int32
	return func(ref *score.Score, in audio.Input, desc models.InputDescriptor) (align.Producer, error) {
		beat := float64(launched.Add(1))
		return sequence(nil, beat)(ref, in, desc)
	}
}

// waitUntil polls cond for up to three seconds.
func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type testServer struct {
	*httptest.Server
	service   scorefollow.Service
	uploadDir string
}

func setupTestServer(t *testing.T, engines scorefollow.EngineFactory, devices audio.DeviceLister) *testServer {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := DefaultServerConfig()
	cfg.UploadDir = filepath.Join(tmpDir, "uploads")
	cfg.DBPath = filepath.Join(tmpDir, "test_server.sqlite3")
	cfg.StreamInterval = 10 * time.Millisecond
	cfg.WorkerSlots = 2

	m := metrics.New()
	svc, err := scorefollow.NewService(
		scorefollow.WithDBPath(cfg.DBPath),
		scorefollow.WithUploadDir(cfg.UploadDir),
		scorefollow.WithWorkerSlots(cfg.WorkerSlots),
		scorefollow.WithRetryDelay(time.Millisecond),
		scorefollow.WithRenderSampleRate(8000),
		scorefollow.WithEngineFactory(engines),
		scorefollow.WithLogger(logger.Discard()),
		scorefollow.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svc.Close(ctx)
	})

	srv := NewServer(svc, cfg, m, devices)
	srv.log = logger.Discard()
	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, service: svc, uploadDir: cfg.UploadDir}
}

func (ts *testServer) upload(t *testing.T, filename string, content []byte) *http.Response {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("Upload request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func midiBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etude.mid")
	scoretest.WriteMIDI(t, path, scoretest.Fixture{BPM: 60, Notes: 4})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (ts *testServer) register(t *testing.T) string {
	t.Helper()
	resp := ts.upload(t, "etude.mid", midiBytes(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode upload response: %v", err)
	}
	if len(out.FileID) != 8 {
		t.Fatalf("Expected an 8 character file id, got %q", out.FileID)
	}
	return out.FileID
}

func (ts *testServer) dial(t *testing.T, init InitMessage) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(init); err != nil {
		t.Fatalf("Failed to send init message: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (stream.Message, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg stream.Message
	err := conn.ReadJSON(&msg)
	return msg, err
}

// firstPosition reads until a message carries a position.
func firstPosition(t *testing.T, conn *websocket.Conn) stream.Message {
	t.Helper()
	for {
		msg, err := readMessage(t, conn)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if msg.HasPosition {
			return msg
		}
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRoot(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})

	if code := getJSON(t, ts.URL+"/", nil); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/nope", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}
}

func TestAudioDevicesPlaceholderOnFailure(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{err: errors.New("ffmpeg not installed")})

	var out DevicesResponse
	if code := getJSON(t, ts.URL+"/audio-devices", &out); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(out.Devices) != 1 || out.Devices[0] != audio.PlaceholderDevice {
		t.Errorf("Expected the placeholder device, got %+v", out.Devices)
	}
}

func TestAudioDevicesDefaultFirst(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{devices: []models.AudioDevice{
		{Index: 0, Name: "USB Interface"},
		{Index: 1, Name: "Built-in Microphone", Default: true},
	}})

	var raw map[string][]map[string]any
	getJSON(t, ts.URL+"/audio-devices", &raw)
	devices := raw["devices"]
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(devices))
	}
	if devices[0]["name"] != "Built-in Microphone" {
		t.Errorf("Expected the default device first, got %v", devices[0]["name"])
	}
	if devices[0]["index"] != float64(1) {
		t.Errorf("Expected index 1, got %v", devices[0]["index"])
	}
	if _, ok := devices[0]["Default"]; ok {
		t.Error("Expected the default flag to stay off the wire")
	}
}

func TestUpload(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})
	id := ts.register(t)

	if _, err := os.Stat(filepath.Join(ts.uploadDir, id+"_etude.mid")); err != nil {
		t.Errorf("Expected upload stored as {id}_{filename}: %v", err)
	}
}

func TestUploadRejectsBadRequests(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})

	if resp := ts.upload(t, "notes.txt", []byte("hello")); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a text file, got %d", resp.StatusCode)
	}
	if resp := ts.upload(t, "broken.mid", []byte("not a midi file")); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for a corrupt score, got %d", resp.StatusCode)
	}

	noFile, err := http.Post(ts.URL+"/upload", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	defer noFile.Body.Close()
	if noFile.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 without a form, got %d", noFile.StatusCode)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(noFile.Body).Decode(&errResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if errResp.Code != http.StatusBadRequest {
		t.Errorf("Expected code 400 in body, got %d", errResp.Code)
	}
}

func TestStreamEndToEnd(t *testing.T) {
	ts := setupTestServer(t, sequence(align.ErrAlignmentComplete, 0.0, 0.5, 1.0), stubLister{})
	id := ts.register(t)

	conn := ts.dial(t, InitMessage{FileID: id, InputType: InputTypeSimulated, OnsetBeats: []float64{0, 1}})

	allowed := map[float64]bool{0: true, 0.5: true, 1.0: true}
	var last stream.Message
	for {
		msg, err := readMessage(t, conn)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if msg.HasPosition && !allowed[msg.BeatPosition] {
			t.Errorf("Unexpected position %v", msg.BeatPosition)
		}
		last = msg
		if msg.Status.Terminal() {
			break
		}
	}
	if last.Status != models.StatusCompleted {
		t.Errorf("Expected final status %s, got %s", models.StatusCompleted, last.Status)
	}
	if !last.HasPosition || last.BeatPosition != 1.0 {
		t.Errorf("Expected final beat 1.0, got %+v", last)
	}

	if _, err := readMessage(t, conn); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("Expected normal close, got %v", err)
	}

	waitUntil(t, func() bool { return !ts.service.Position(id).Valid }, "position removal")
}

func TestStreamDisconnectClearsOnlyThatSession(t *testing.T) {
	ts := setupTestServer(t, perWorker(), stubLister{})
	a, b := ts.register(t), ts.register(t)

	connA := ts.dial(t, InitMessage{FileID: a, InputType: InputTypeSimulated})
	if msg := firstPosition(t, connA); msg.BeatPosition != 1.0 {
		t.Fatalf("Expected session a at beat 1, got %v", msg.BeatPosition)
	}
	connB := ts.dial(t, InitMessage{FileID: b, InputType: InputTypeSimulated})
	if msg := firstPosition(t, connB); msg.BeatPosition != 2.0 {
		t.Fatalf("Expected session b at beat 2, got %v", msg.BeatPosition)
	}
	for i := 0; i < 3; i++ {
		msg, err := readMessage(t, connA)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if msg.BeatPosition != 1.0 {
			t.Errorf("Expected session a to stay at beat 1, got %v", msg.BeatPosition)
		}
	}

	connA.Close()

	waitUntil(t, func() bool {
		status, _ := ts.service.Status(a)
		return status == models.StatusStopped && !ts.service.Position(a).Valid
	}, "session a to stop")
	if got := ts.service.Position(b); got != models.At(2.0) {
		t.Errorf("Expected session b to keep beat 2, got %+v", got)
	}

	msg, err := readMessage(t, connB)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Status != models.StatusActive || msg.BeatPosition != 2.0 {
		t.Errorf("Expected session b active at beat 2, got %+v", msg)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})

	conn := ts.dial(t, InitMessage{FileID: "deadbeef", InputType: InputTypeSimulated})
	msg, err := readMessage(t, conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("Expected status %s, got %s", models.StatusFailed, msg.Status)
	}
	if !strings.Contains(msg.Error, "not found") {
		t.Errorf("Expected a not found error, got %q", msg.Error)
	}
	if msg.HasPosition {
		t.Error("Expected no position")
	}

	if _, err := readMessage(t, conn); err == nil {
		t.Error("Expected the connection to be closed")
	}
}

func TestStreamHidesLostUploadPath(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})
	id := ts.register(t)

	session, err := ts.service.Session(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(session.MIDIPath); err != nil {
		t.Fatal(err)
	}

	conn := ts.dial(t, InitMessage{FileID: id, InputType: InputTypeSimulated})
	msg, err := readMessage(t, conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("Expected status %s, got %s", models.StatusFailed, msg.Status)
	}
	if !strings.Contains(msg.Error, "not found") {
		t.Errorf("Expected a not found error, got %q", msg.Error)
	}
	if strings.Contains(msg.Error, ts.uploadDir) {
		t.Errorf("Expected no server path in %q", msg.Error)
	}
}

func TestTrackingError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: abc", scorefollow.ErrSessionNotFound), scorefollow.ErrSessionNotFound.Error()},
		{fmt.Errorf("%w: %q", scorefollow.ErrInvalidSessionID, "../x"), scorefollow.ErrInvalidSessionID.Error()},
		{scorefollow.ErrServiceClosed, scorefollow.ErrServiceClosed.Error()},
		{errors.New("reading MIDI /srv/uploads/x.mid: permission denied"), "could not start tracking"},
	}
	for _, tt := range tests {
		if got := trackingError(tt.err).Error(); got != tt.want {
			t.Errorf("trackingError(%v): expected %q, got %q", tt.err, tt.want, got)
		}
	}
}

func TestStreamRejectsUnknownInputType(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})
	id := ts.register(t)

	conn := ts.dial(t, InitMessage{FileID: id, InputType: "theremin"})
	msg, err := readMessage(t, conn)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("Expected status %s, got %s", models.StatusFailed, msg.Status)
	}
	if !strings.Contains(msg.Error, "theremin") {
		t.Errorf("Expected the input type in the error, got %q", msg.Error)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil {
		t.Fatal("Expected an HTTP response")
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.StatusCode)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts := setupTestServer(t, sequence(nil, 1.0), stubLister{})
	id := ts.register(t)

	var dto SessionDTO
	if code := getJSON(t, ts.URL+"/sessions/"+id, &dto); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if dto.Status != models.StatusRegistered {
		t.Errorf("Expected status %s, got %s", models.StatusRegistered, dto.Status)
	}
	if dto.OriginalName != "etude.mid" {
		t.Errorf("Expected original name etude.mid, got %s", dto.OriginalName)
	}

	if code := getJSON(t, ts.URL+"/sessions/deadbeef", nil); code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", code)
	}

	if _, err := ts.service.StartTracking(id, models.InputDescriptor{Kind: models.InputNone}); err != nil {
		t.Fatalf("StartTracking failed: %v", err)
	}
	waitUntil(t, func() bool { return ts.service.Position(id).Valid }, "first position")

	var sessions ListSessionsResponse
	getJSON(t, ts.URL+"/sessions", &sessions)
	if sessions.Count != 1 {
		t.Fatalf("Expected 1 session, got %d", sessions.Count)
	}
	if got := sessions.Sessions[0]; !got.HasPosition || got.BeatPosition != 1.0 {
		t.Errorf("Expected beat 1.0 in listing, got %+v", got)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", del.StatusCode)
	}

	if status, _ := ts.service.Status(id); status != models.StatusStopped {
		t.Errorf("Expected status %s, got %s", models.StatusStopped, status)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/upload", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://localhost:50003")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:50003" {
		t.Errorf("Expected the origin to be echoed, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, sequence(nil), stubLister{})
	ts.register(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{`scorefollow_uploads_total{result="ok"} 1`, "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}
