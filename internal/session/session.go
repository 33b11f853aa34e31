// Package session implements the stream session: the per-broadcast actor
// that owns one encoder subprocess, admits and orders inbound frames, and
// drives the connecting/live/stopping state machine. The Registry in this
// package is the single source of truth for which sessions are live.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canvascast/canvascast/internal/encoder"
	"github.com/canvascast/canvascast/internal/quality"
)

// EncoderHandle is the slice of the encoder Supervisor the session drives.
// An interface so session tests run against a stub instead of a process.
type EncoderHandle interface {
	Start() error
	WriteFrame(raw []byte) error
	Stop()
	Done() <-chan struct{}
	ExitError() error
	FramesWritten() int64
}

// FrameDecoder converts one inbound frame payload to a raw frame.
type FrameDecoder interface {
	Decode(payload string) ([]byte, error)
}

// Events receives the session's outbound notifications. Implemented by the
// gateway connection that owns the session; every method must be safe to
// call from the session goroutine and must not block indefinitely.
type Events interface {
	StreamReady(id string)
	StreamStatus(id string, status Status)
	StreamError(id, message string)
	StreamStopped(id, reason string)
}

// Instruments is the subset of the relay's metrics the session records.
// Satisfied by *metrics.Metrics; a no-op is used when nil.
type Instruments interface {
	IncFramesReceived()
	IncFramesDropped()
	IncFramesBadDecode()
	AddFrameWritten(n int)
	IncSessionsStarted()
	IncSessionsErrored()
	IncSessionsStopped()
}

type noopInstruments struct{}

func (noopInstruments) IncFramesReceived()  {}
func (noopInstruments) IncFramesDropped()   {}
func (noopInstruments) IncFramesBadDecode() {}
func (noopInstruments) AddFrameWritten(int) {}
func (noopInstruments) IncSessionsStarted() {}
func (noopInstruments) IncSessionsErrored() {}
func (noopInstruments) IncSessionsStopped() {}

// Status is a point-in-time snapshot of session health, sent to the owning
// client as stream-status and served by the sessions API.
type Status struct {
	State          string `json:"state"`
	FramesReceived int64  `json:"framesReceived"`
	FramesDropped  int64  `json:"framesDropped"`
	DecodeErrors   int64  `json:"decodeErrors"`
	FramesWritten  int64  `json:"framesWritten"`
	PendingFrames  int    `json:"pendingFrames"`
	UptimeMs       int64  `json:"uptimeMs"`
	Degraded       bool   `json:"degraded,omitempty"`
}

// Sliding window for sustained decode-failure detection. Isolated decode
// errors are dropped silently; only a majority of failures across a full
// window raises the advisory degraded flag.
const (
	decodeWindowSize      = 50
	decodeWindowThreshold = decodeWindowSize / 2
)

// Config assembles a Session's collaborators.
type Config struct {
	ID      string
	Profile quality.Profile

	Encoder EncoderHandle
	Decoder FrameDecoder
	Events  Events

	// QueueSize bounds both the frame channel and the admission gate.
	QueueSize int
	// StatusInterval is how often stream-status is pushed while live.
	// Zero disables periodic status.
	StatusInterval time.Duration

	// OnFinished is invoked exactly once, after the session reaches a
	// terminal state and its encoder is fully torn down.
	OnFinished func(id string)

	Instruments Instruments
	Logger      *slog.Logger
}

// Session is one active broadcast attempt. All encoder interaction happens
// on the session's own goroutine; SubmitFrame and RequestStop are the only
// entry points for other goroutines and never block.
type Session struct {
	id      string
	profile quality.Profile
	log     *slog.Logger

	enc    EncoderHandle
	dec    FrameDecoder
	events Events
	inst   Instruments

	frames chan string
	gate   *frameGate

	stopRequested atomic.Bool
	stopCh        chan struct{}
	stopOnce      sync.Once
	done          chan struct{}

	state atomic.Int32

	statusInterval time.Duration
	onFinished     func(id string)
	startedAtMs    atomic.Int64

	framesReceived atomic.Int64
	framesDropped  atomic.Int64
	decodeErrors   atomic.Int64

	// decode window state, touched only by the session goroutine
	windowAttempts int
	windowFailures int
	degraded       atomic.Bool
}

// New builds a Session in the connecting state. Call Start to run it.
func New(cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	inst := cfg.Instruments
	if inst == nil {
		inst = noopInstruments{}
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = 8
	}

	s := &Session{
		id:             cfg.ID,
		profile:        cfg.Profile,
		log:            log.With("component", "session", "session", cfg.ID),
		enc:            cfg.Encoder,
		dec:            cfg.Decoder,
		events:         cfg.Events,
		inst:           inst,
		frames:         make(chan string, queue),
		gate:           newFrameGate(queue),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		statusInterval: cfg.StatusInterval,
		onFinished:     cfg.OnFinished,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the client-chosen session identifier.
func (s *Session) ID() string { return s.id }

// Profile returns the immutable quality profile the encoder was started with.
func (s *Session) Profile() quality.Profile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the session goroutine.
func (s *Session) Start() {
	go s.run()
}

// SubmitFrame offers one frame payload to the session. Frames arriving
// outside the live state, or beyond the admission bound, are dropped.
// Never blocks: the transport's dispatch loop must not wait on a slow
// encoder.
func (s *Session) SubmitFrame(payload string) {
	s.framesReceived.Add(1)
	s.inst.IncFramesReceived()

	if s.State() != StateLive {
		s.framesDropped.Add(1)
		s.inst.IncFramesDropped()
		return
	}
	if !s.gate.admit() {
		s.framesDropped.Add(1)
		s.inst.IncFramesDropped()
		return
	}

	select {
	case s.frames <- payload:
	default:
		// Gate bound equals channel capacity, so an admitted frame
		// always has a slot; keep the counter balanced regardless.
		s.gate.release()
		s.framesDropped.Add(1)
		s.inst.IncFramesDropped()
	}
}

// RequestStop asks the session to tear down. It returns immediately; the
// encoder input is closed right away so even a frame write in progress
// unblocks, and stream-stopped is emitted once teardown completes.
func (s *Session) RequestStop() {
	s.stopOnce.Do(func() {
		s.stopRequested.Store(true)
		close(s.stopCh)
		// Stop may wait out the grace period; never on the caller's time.
		go s.enc.Stop()
	})
}

// Snapshot returns the current session status.
func (s *Session) Snapshot() Status {
	var uptime int64
	if ms := s.startedAtMs.Load(); ms > 0 {
		uptime = time.Now().UnixMilli() - ms
	}
	return Status{
		State:          s.State().String(),
		FramesReceived: s.framesReceived.Load(),
		FramesDropped:  s.framesDropped.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		FramesWritten:  s.enc.FramesWritten(),
		PendingFrames:  s.gate.depth(),
		UptimeMs:       uptime,
		Degraded:       s.degraded.Load(),
	}
}

func (s *Session) run() {
	if err := s.enc.Start(); err != nil {
		s.log.Warn("encoder spawn failed", "error", err)
		s.finish(StateErrored, func() {
			s.inst.IncSessionsErrored()
			s.events.StreamError(s.id, "failed to start encoder: invalid configuration or encoder unavailable")
		})
		return
	}

	// A stop can race the spawn; honor it before going live.
	if s.stopRequested.Load() {
		s.waitEncoderGone()
		s.finish(StateStopped, func() {
			s.inst.IncSessionsStopped()
			s.events.StreamStopped(s.id, "stopped before live")
		})
		return
	}

	s.startedAtMs.Store(time.Now().UnixMilli())
	s.state.Store(int32(StateLive))
	s.inst.IncSessionsStarted()
	s.events.StreamReady(s.id)
	s.log.Info("session live", "profile", s.profile.String())

	var statusC <-chan time.Time
	if s.statusInterval > 0 {
		ticker := time.NewTicker(s.statusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	for {
		// Stop and encoder exit take priority over queued frames.
		select {
		case <-s.stopCh:
			s.teardownStopped()
			return
		case <-s.enc.Done():
			s.teardownFailed()
			return
		default:
		}

		select {
		case <-s.stopCh:
			s.teardownStopped()
			return
		case <-s.enc.Done():
			s.teardownFailed()
			return
		case payload := <-s.frames:
			if !s.handleFrame(payload) {
				return
			}
		case <-statusC:
			s.events.StreamStatus(s.id, s.Snapshot())
		}
	}
}

// handleFrame decodes and writes one admitted frame. Returns false when
// the session tore down as a result.
func (s *Session) handleFrame(payload string) bool {
	raw, err := s.dec.Decode(payload)
	s.recordDecode(err == nil)
	if err != nil {
		// One bad frame never changes session state.
		s.gate.release()
		s.decodeErrors.Add(1)
		s.inst.IncFramesBadDecode()
		s.log.Debug("frame discarded", "error", err)
		return true
	}

	werr := s.enc.WriteFrame(raw)
	s.gate.release()
	if werr == nil {
		s.inst.AddFrameWritten(len(raw))
		return true
	}

	if s.stopRequested.Load() {
		// The stop closed the pipe under the write; that's a clean stop.
		s.teardownStopped()
		return false
	}
	if errors.Is(werr, encoder.ErrPipeClosed) {
		s.log.Warn("encoder pipe closed while live")
	} else {
		s.log.Warn("frame write failed", "error", werr)
	}
	s.teardownFailed()
	return false
}

// teardownStopped finishes a requested stop: grace, then stopped.
func (s *Session) teardownStopped() {
	s.state.Store(int32(StateStopping))
	s.enc.Stop()
	s.finish(StateStopped, func() {
		s.inst.IncSessionsStopped()
		s.events.StreamStopped(s.id, "stopped")
	})
}

// teardownFailed finishes a session whose encoder died or rejected input.
func (s *Session) teardownFailed() {
	s.waitEncoderGone()
	msg := userMessage(s.enc.ExitError())
	s.finish(StateErrored, func() {
		s.inst.IncSessionsErrored()
		s.events.StreamError(s.id, msg)
	})
}

// waitEncoderGone makes sure the subprocess is reaped before the session
// reports terminal state. Stop is idempotent and returns once the process
// has exited.
func (s *Session) waitEncoderGone() {
	s.enc.Stop()
	<-s.enc.Done()
}

// finish moves to the terminal state, emits the final event, releases the
// registry slot, and closes Done. Runs exactly once per session.
func (s *Session) finish(terminal State, emit func()) {
	s.state.Store(int32(terminal))
	emit()
	if s.onFinished != nil {
		s.onFinished(s.id)
	}
	close(s.done)
	s.log.Info("session finished", "state", terminal.String(),
		"frames_written", s.enc.FramesWritten(),
		"frames_dropped", s.framesDropped.Load(),
		"decode_errors", s.decodeErrors.Load(),
	)
}

// recordDecode feeds the sustained-failure window. When a full window is
// mostly failures the degraded flag is raised and advertised once via
// stream-status; a healthy window clears it.
func (s *Session) recordDecode(ok bool) {
	s.windowAttempts++
	if !ok {
		s.windowFailures++
	}
	if s.windowAttempts < decodeWindowSize {
		return
	}

	degraded := s.windowFailures > decodeWindowThreshold
	was := s.degraded.Swap(degraded)
	s.windowAttempts, s.windowFailures = 0, 0

	if degraded && !was {
		s.log.Warn("sustained decode failures", "window", decodeWindowSize)
		s.events.StreamStatus(s.id, s.Snapshot())
	}
}

// userMessage converts an encoder exit classification into a short cause
// string safe to show the client. Raw diagnostics are only passed through
// for publish rejections, and those are already redacted.
func userMessage(err error) string {
	var rejected *encoder.PublishRejectedError
	switch {
	case err == nil:
		return "encoder exited"
	case errors.As(err, &rejected):
		return "destination rejected the stream: " + rejected.Diagnostic
	case errors.Is(err, encoder.ErrSpawn):
		return "failed to start encoder: invalid configuration or encoder unavailable"
	case errors.Is(err, encoder.ErrPipeClosed), errors.Is(err, encoder.ErrProcessExited):
		return "encoder exited unexpectedly"
	default:
		return "stream failed"
	}
}
