// Package gateway is the transport edge of the relay: one WebSocket per
// browser client, demultiplexing start/frame/stop messages to sessions and
// serializing session events back out. The dispatch path never blocks on a
// session's encoder; slow-consumer work happens on session goroutines.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/canvascast/canvascast/internal/codec"
	"github.com/canvascast/canvascast/internal/encoder"
	"github.com/canvascast/canvascast/internal/quality"
	"github.com/canvascast/canvascast/internal/session"
)

const (
	// writeWait bounds a single outbound write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before being
	// declared dead; pingPeriod keeps compliant clients inside it.
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	// maxMessageSize admits a base64 1080p JPEG with headroom.
	maxMessageSize = 8 << 20
	// sendBuffer is the per-connection outbound queue; a client that
	// cannot drain it loses the connection rather than growing it.
	sendBuffer = 32
)

// EncoderFactory builds the encoder handle for one session. Tests swap in
// stub encoders here; production uses the subprocess Supervisor.
type EncoderFactory func(cfg encoder.Config) session.EncoderHandle

// Config wires the Gateway's collaborators.
type Config struct {
	Registry *session.Registry
	Quality  *quality.Table

	EncoderBinary string
	SpawnTimeout  time.Duration
	StopGrace     time.Duration

	QueueSize      int
	StatusInterval time.Duration

	Instruments session.Instruments
	Logger      *slog.Logger

	NewEncoder EncoderFactory
}

// Gateway upgrades WebSocket connections and runs one conn per client.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Gateway. Registry and Quality are required.
func New(cfg Config) *Gateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.NewEncoder == nil {
		cfg.NewEncoder = func(ec encoder.Config) session.EncoderHandle {
			return encoder.New(ec, log)
		}
	}
	return &Gateway{
		cfg: cfg,
		log: log.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser page and the relay are served from different
			// origins in every deployment shape we support.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:      id,
		gw:      g,
		ws:      ws,
		log:     g.log.With("conn", id[:8], "remote", r.RemoteAddr),
		send:    make(chan outboundMessage, sendBuffer),
		closing: make(chan struct{}),
		owned:   make(map[string]*session.Session),
	}
	c.log.Info("client connected")

	go c.writeLoop()
	c.readLoop()
}

// conn is one client connection. readLoop is the only goroutine touching
// inbound state; writeLoop is the only goroutine writing the socket.
type conn struct {
	id  string
	gw  *Gateway
	ws  *websocket.Conn
	log *slog.Logger

	send      chan outboundMessage
	closing   chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	owned map[string]*session.Session
}

func (c *conn) readLoop() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("connection lost", "error", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

// dispatch routes one inbound message. A malformed message earns an error
// reply and nothing else: other sessions and connections are unaffected.
func (c *conn) dispatch(msg inboundMessage) {
	switch msg.Type {
	case kindStartStream:
		c.handleStart(msg)
	case kindCanvasFrame:
		c.handleFrame(msg)
	case kindStopStream:
		c.handleStop(msg)
	case kindHeartbeat:
		c.sendEvent(outboundMessage{Type: kindPong, SessionID: msg.SessionID})
	default:
		c.sendEvent(outboundMessage{
			Type:      kindStreamError,
			SessionID: msg.SessionID,
			Message:   "unknown message type",
		})
	}
}

func (c *conn) handleStart(msg inboundMessage) {
	if err := validateStart(msg); err != "" {
		c.sendEvent(outboundMessage{Type: kindStreamError, SessionID: msg.SessionID, Message: err})
		return
	}

	profile := c.gw.cfg.Quality.Resolve(msg.Plan, requestedKbps(msg), requestedResolution(msg))

	enc := c.gw.cfg.NewEncoder(encoder.Config{
		Binary:       c.gw.cfg.EncoderBinary,
		Width:        profile.Width,
		Height:       profile.Height,
		FrameRate:    profile.FrameRate,
		BitrateKbps:  profile.BitrateKbps,
		IngestURL:    msg.Dest.IngestURL,
		StreamKey:    msg.Dest.StreamKey,
		SpawnTimeout: c.gw.cfg.SpawnTimeout,
		StopGrace:    c.gw.cfg.StopGrace,
	})

	id := msg.SessionID
	s := session.New(session.Config{
		ID:             id,
		Profile:        profile,
		Encoder:        enc,
		Decoder:        codec.NewDecoder(profile.Width, profile.Height),
		Events:         c,
		QueueSize:      c.gw.cfg.QueueSize,
		StatusInterval: c.gw.cfg.StatusInterval,
		Instruments:    c.gw.cfg.Instruments,
		OnFinished: func(id string) {
			c.gw.cfg.Registry.Remove(id)
			c.release(id)
		},
		Logger: c.gw.log,
	})

	if !c.gw.cfg.Registry.Add(s) {
		c.sendEvent(outboundMessage{
			Type:      kindStreamError,
			SessionID: id,
			Message:   "a session with this id is already live",
		})
		return
	}

	c.mu.Lock()
	c.owned[id] = s
	c.mu.Unlock()

	c.log.Info("starting stream",
		"session", id,
		"destination", encoder.RedactDestination(msg.Dest.IngestURL),
		"profile", profile.String(),
	)
	s.Start()
}

func (c *conn) handleFrame(msg inboundMessage) {
	if msg.SessionID == "" || msg.FrameData == "" {
		c.sendEvent(outboundMessage{Type: kindStreamError, SessionID: msg.SessionID, Message: "canvas-frame requires sessionId and frameData"})
		return
	}
	s, ok := c.ownedSession(msg.SessionID)
	if !ok {
		// Frames straggling in after teardown are routine, not an error
		// worth a reply per frame.
		c.log.Debug("frame for unknown session", "session", msg.SessionID)
		return
	}
	s.SubmitFrame(msg.FrameData)
}

func (c *conn) handleStop(msg inboundMessage) {
	if msg.SessionID == "" {
		c.sendEvent(outboundMessage{Type: kindStreamError, Message: "stop-stream requires sessionId"})
		return
	}
	s, ok := c.ownedSession(msg.SessionID)
	if !ok {
		c.sendEvent(outboundMessage{Type: kindStreamError, SessionID: msg.SessionID, Message: "unknown session"})
		return
	}
	s.RequestStop()
}

// teardown runs when the read loop exits for any reason. Every session
// owned by this connection is stopped exactly once; stop/stopped events
// for a gone client are discarded by sendEvent.
func (c *conn) teardown() {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.owned))
	for _, s := range c.owned {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.RequestStop()
	}
	if len(sessions) > 0 {
		c.log.Info("connection closed, sessions torn down", "count", len(sessions))
	} else {
		c.log.Info("client disconnected")
	}

	c.closeOnce.Do(func() { close(c.closing) })
	_ = c.ws.Close()
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("outbound write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closing:
			return
		}
	}
}

// sendEvent queues an outbound message. It never blocks the caller: when
// the connection is closing the message is discarded, and a full send
// queue closes the connection (the client is not keeping up).
func (c *conn) sendEvent(msg outboundMessage) {
	select {
	case <-c.closing:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.closing:
	default:
		c.log.Warn("outbound queue full, closing connection")
		_ = c.ws.Close()
	}
}

func (c *conn) ownedSession(id string) (*session.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.owned[id]
	return s, ok
}

func (c *conn) release(id string) {
	c.mu.Lock()
	delete(c.owned, id)
	c.mu.Unlock()
}

// Session event sinks; called from session goroutines.

// StreamReady implements session.Events.
func (c *conn) StreamReady(id string) {
	c.sendEvent(outboundMessage{Type: kindStreamReady, SessionID: id})
}

// StreamStatus implements session.Events.
func (c *conn) StreamStatus(id string, status session.Status) {
	c.sendEvent(outboundMessage{Type: kindStreamStatus, SessionID: id, Status: &status})
}

// StreamError implements session.Events.
func (c *conn) StreamError(id, message string) {
	c.sendEvent(outboundMessage{Type: kindStreamError, SessionID: id, Message: message})
}

// StreamStopped implements session.Events.
func (c *conn) StreamStopped(id, reason string) {
	c.sendEvent(outboundMessage{Type: kindStreamStopped, SessionID: id, ExitReason: reason})
}

// validateStart returns a client-facing problem description, or "" when
// the start message is well-formed.
func validateStart(msg inboundMessage) string {
	switch {
	case msg.SessionID == "":
		return "start-stream requires sessionId"
	case msg.Dest == nil || msg.Dest.IngestURL == "" || msg.Dest.StreamKey == "":
		return "start-stream requires destination.ingestURL and destination.streamKey"
	case !strings.HasPrefix(msg.Dest.IngestURL, "rtmp://") && !strings.HasPrefix(msg.Dest.IngestURL, "rtmps://"):
		return "destination.ingestURL must be an rtmp:// or rtmps:// URL"
	}
	return ""
}

func requestedKbps(msg inboundMessage) int {
	if msg.Quality == nil {
		return 0
	}
	return msg.Quality.BitrateKbps
}

func requestedResolution(msg inboundMessage) string {
	if msg.Quality == nil {
		return ""
	}
	return msg.Quality.Resolution
}
