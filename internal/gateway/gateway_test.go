package gateway

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvascast/canvascast/internal/encoder"
	"github.com/canvascast/canvascast/internal/quality"
	"github.com/canvascast/canvascast/internal/session"
)

// stubEncoder implements session.EncoderHandle without a subprocess.
type stubEncoder struct {
	startErr error

	mu      sync.Mutex
	frames  int64
	stopped bool
	exitErr error

	doneOnce sync.Once
	done     chan struct{}
}

func (e *stubEncoder) Start() error { return e.startErr }

func (e *stubEncoder) WriteFrame(raw []byte) error {
	select {
	case <-e.done:
		return encoder.ErrPipeClosed
	default:
	}
	e.mu.Lock()
	e.frames++
	e.mu.Unlock()
	return nil
}

func (e *stubEncoder) Stop() {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *stubEncoder) crash(err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.exitErr = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *stubEncoder) Done() <-chan struct{} { return e.done }

func (e *stubEncoder) ExitError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	if e.exitErr != nil {
		return e.exitErr
	}
	return fmt.Errorf("%w: exit status 1", encoder.ErrProcessExited)
}

func (e *stubEncoder) FramesWritten() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *stubEncoder) wasStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// stubFactory hands out stub encoders and remembers them for assertions.
type stubFactory struct {
	mu       sync.Mutex
	startErr error
	created  []*stubEncoder
}

func (f *stubFactory) new(encoder.Config) session.EncoderHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &stubEncoder{startErr: f.startErr, done: make(chan struct{})}
	f.created = append(f.created, e)
	return e
}

func (f *stubFactory) encoders() []*stubEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*stubEncoder(nil), f.created...)
}

type testRig struct {
	registry *session.Registry
	factory  *stubFactory
	server   *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		registry: session.NewRegistry(nil),
		factory:  &stubFactory{},
	}
	gw := New(Config{
		Registry:      rig.registry,
		Quality:       quality.NewTable(nil),
		EncoderBinary: "ffmpeg",
		SpawnTimeout:  time.Second,
		StopGrace:     100 * time.Millisecond,
		QueueSize:     8,
		NewEncoder:    rig.factory.new,
	})
	rig.server = httptest.NewServer(http.HandlerFunc(gw.ServeHTTP))
	t.Cleanup(rig.server.Close)
	return rig
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func testFrame(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func startMsg(id string) map[string]any {
	return map[string]any{
		"type":      "start-stream",
		"sessionId": id,
		"destination": map[string]string{
			"ingestURL": "rtmp://ingest.example.com/live",
			"streamKey": "key-" + id,
		},
		"quality": map[string]any{"bitrateKbps": 3000, "resolution": "1080p"},
		"plan":    "studio",
	}
}

// readUntil reads outbound messages until one of the wanted type appears,
// failing on any stream-error along the way (unless stream-error is what
// we want).
func readUntil(t *testing.T, ws *websocket.Conn, wantType string) outboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		var msg outboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", wantType, err)
		}
		if msg.Type == wantType {
			return msg
		}
		if msg.Type == kindStreamError {
			t.Fatalf("unexpected stream-error while waiting for %s: %s", wantType, msg.Message)
		}
	}
}

func TestStartFramesStop(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, startMsg("a"))
	ready := readUntil(t, ws, kindStreamReady)
	if ready.SessionID != "a" {
		t.Errorf("ready session: got %q, want a", ready.SessionID)
	}

	frame := testFrame(t)
	for i := 0; i < 10; i++ {
		send(t, ws, map[string]any{"type": "canvas-frame", "sessionId": "a", "frameData": frame})
	}

	// The write counter only moves forward; wait for at least one frame
	// to land in the encoder.
	encs := rig.factory.encoders()
	if len(encs) != 1 {
		t.Fatalf("encoders spawned: got %d, want 1", len(encs))
	}
	waitFor(t, func() bool { return encs[0].FramesWritten() > 0 })

	send(t, ws, map[string]any{"type": "stop-stream", "sessionId": "a"})
	stopped := readUntil(t, ws, kindStreamStopped)
	if stopped.SessionID != "a" {
		t.Errorf("stopped session: got %q, want a", stopped.SessionID)
	}

	waitFor(t, func() bool { return rig.registry.Len() == 0 })
	if !encs[0].wasStopped() {
		t.Error("encoder subprocess should be stopped")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, startMsg("dup"))
	readUntil(t, ws, kindStreamReady)

	send(t, ws, startMsg("dup"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		var msg outboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == kindStreamError {
			if !strings.Contains(msg.Message, "already live") {
				t.Errorf("error message: %q", msg.Message)
			}
			break
		}
	}

	// First session is unaffected.
	if _, ok := rig.registry.Get("dup"); !ok {
		t.Error("original session should still be registered")
	}
	if got := len(rig.factory.encoders()); got != 1 {
		t.Errorf("encoders spawned: got %d, want 1 (no double-spawn)", got)
	}
}

func TestCorruptFrameNeverErrorsSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, startMsg("a"))
	readUntil(t, ws, kindStreamReady)

	send(t, ws, map[string]any{"type": "canvas-frame", "sessionId": "a", "frameData": "data:image/jpeg;base64,%%%%"})
	send(t, ws, map[string]any{"type": "canvas-frame", "sessionId": "a", "frameData": testFrame(t)})

	encs := rig.factory.encoders()
	waitFor(t, func() bool { return encs[0].FramesWritten() == 1 })

	s, ok := rig.registry.Get("a")
	if !ok {
		t.Fatal("session should still be registered")
	}
	if s.State() != session.StateLive {
		t.Errorf("state: got %v, want live", s.State())
	}

	// Stop and drain: there must be no stream-error anywhere in the
	// conversation.
	send(t, ws, map[string]any{"type": "stop-stream", "sessionId": "a"})
	readUntil(t, ws, kindStreamStopped)
}

func TestMalformedMessagesDoNotKillConnection(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, map[string]any{"type": "make-me-a-sandwich"})
	msg := readUntil(t, ws, kindStreamError)
	if msg.Message == "" {
		t.Error("error reply should carry a message")
	}

	send(t, ws, map[string]any{"type": "start-stream", "sessionId": "a"})
	readUntil(t, ws, kindStreamError)

	send(t, ws, map[string]any{
		"type":        "start-stream",
		"sessionId":   "a",
		"destination": map[string]string{"ingestURL": "https://not-rtmp", "streamKey": "k"},
	})
	readUntil(t, ws, kindStreamError)

	// The connection still works after all that.
	send(t, ws, startMsg("a"))
	readUntil(t, ws, kindStreamReady)
}

func TestStopUnknownSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, map[string]any{"type": "stop-stream", "sessionId": "ghost"})
	msg := readUntil(t, ws, kindStreamError)
	if msg.SessionID != "ghost" {
		t.Errorf("error session id: got %q", msg.SessionID)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, map[string]any{"type": "heartbeat"})
	readUntil(t, ws, kindPong)
}

func TestDisconnectTearsDownAllSessions(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	for _, id := range []string{"a", "b", "c"} {
		send(t, ws, startMsg(id))
		readUntil(t, ws, kindStreamReady)
	}
	if rig.registry.Len() != 3 {
		t.Fatalf("registered sessions: got %d, want 3", rig.registry.Len())
	}

	ws.Close()

	waitFor(t, func() bool { return rig.registry.Len() == 0 })
	for i, e := range rig.factory.encoders() {
		waitFor(t, e.wasStopped)
		select {
		case <-e.Done():
		default:
			t.Errorf("encoder %d still running after disconnect", i)
		}
	}
}

func TestEncoderCrashEmitsOneError(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ws := rig.dial(t)

	send(t, ws, startMsg("a"))
	readUntil(t, ws, kindStreamReady)

	rig.factory.encoders()[0].crash(fmt.Errorf("%w: exit status 1", encoder.ErrProcessExited))

	deadline := time.Now().Add(2 * time.Second)
	errCount := 0
	for time.Now().Before(deadline) && errCount == 0 {
		_ = ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg outboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == kindStreamError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Fatalf("stream-error count: got %d, want 1", errCount)
	}
	waitFor(t, func() bool { return rig.registry.Len() == 0 })
}

func TestSpawnFailureSurfacesError(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.factory.startErr = fmt.Errorf("%w: ffmpeg not found", encoder.ErrSpawn)
	ws := rig.dial(t)

	send(t, ws, startMsg("a"))
	msg := readUntil(t, ws, kindStreamError)
	if msg.SessionID != "a" {
		t.Errorf("error session id: got %q", msg.SessionID)
	}
	waitFor(t, func() bool { return rig.registry.Len() == 0 })
}
