package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canvascast/canvascast/internal/metrics"
	"github.com/canvascast/canvascast/internal/quality"
	"github.com/canvascast/canvascast/internal/session"
)

type nopEncoder struct{ done chan struct{} }

func (e nopEncoder) Start() error            { return nil }
func (e nopEncoder) WriteFrame([]byte) error { return nil }
func (e nopEncoder) Stop()                   {}
func (e nopEncoder) Done() <-chan struct{}   { return e.done }
func (e nopEncoder) ExitError() error        { return nil }
func (e nopEncoder) FramesWritten() int64    { return 0 }

type nopEvents struct{}

func (nopEvents) StreamReady(string)                  {}
func (nopEvents) StreamStatus(string, session.Status) {}
func (nopEvents) StreamError(string, string)          {}
func (nopEvents) StreamStopped(string, string)        {}

type nopDecoder struct{}

func (nopDecoder) Decode(string) ([]byte, error) { return nil, nil }

func testServer(t *testing.T) (*Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(nil)
	gateway := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	return New(reg, metrics.New(), gateway, nil), reg
}

func addSession(t *testing.T, reg *session.Registry, id string) {
	t.Helper()
	s := session.New(session.Config{
		ID:      id,
		Profile: quality.Profile{BitrateKbps: 2500, Width: 1280, Height: 720, FrameRate: 30},
		Encoder: nopEncoder{done: make(chan struct{})},
		Decoder: nopDecoder{},
		Events:  nopEvents{},
	})
	if !reg.Add(s) {
		t.Fatalf("Add(%q) failed", id)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	srv, reg := testServer(t)
	addSession(t, reg, "a")
	addSession(t, reg, "b")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	var body struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Errorf("sessions: got %d, want 2", len(body.Sessions))
	}
	for _, info := range body.Sessions {
		if info.Status.State != "connecting" {
			t.Errorf("state: got %q, want connecting", info.Status.State)
		}
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	srv, reg := testServer(t)
	addSession(t, reg, "a")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var info SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "a" || info.Profile == "" {
		t.Errorf("info: %+v", info)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status: got %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, reg := testServer(t)
	addSession(t, reg, "a")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if want := "canvascast_active_sessions 1"; !strings.Contains(rec.Body.String(), want) {
		t.Errorf("metrics body missing %q", want)
	}
}
