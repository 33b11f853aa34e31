// Package encoder supervises the external encode/mux subprocess for one
// stream session: spawning it with session parameters, piping raw frames
// into it, watching its diagnostics, and guaranteeing termination.
//
// Encoding and RTMP muxing live in a subprocess rather than in-process so
// a crashed or wedged encoder takes down one session, never the relay's
// control plane.
package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config carries everything needed to launch one encoder subprocess.
type Config struct {
	Binary      string
	Width       int
	Height      int
	FrameRate   int
	BitrateKbps int
	IngestURL   string
	StreamKey   string

	SpawnTimeout time.Duration
	StopGrace    time.Duration
}

// Process is the running subprocess as the Supervisor sees it. The
// indirection exists so tests can stand in a fake process; the default
// implementation wraps os/exec.
type Process interface {
	Stdin() io.WriteCloser
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// ProcessStarter launches the encoder binary. Injected for tests.
type ProcessStarter interface {
	Start(binary string, args []string) (Process, error)
}

// stderrTailLen bounds how many recent diagnostic lines are retained for
// exit classification and the debug API.
const stderrTailLen = 20

// Supervisor owns exactly one encoder subprocess. It is created per
// session and never reused after Stop.
type Supervisor struct {
	log     *slog.Logger
	cfg     Config
	starter ProcessStarter

	proc  Process
	stdin io.WriteCloser
	done  chan struct{}

	shutdownOnce sync.Once
	stdinOnce    sync.Once
	stopping     atomic.Bool
	frameCount   atomic.Int64
	startedAt    time.Time

	// requestedAtExit records whether a stop had been requested by the
	// time the subprocess exited; the basis for exit classification.
	requestedAtExit atomic.Bool

	mu       sync.Mutex
	started  bool
	waitErr  error
	rejected *PublishRejectedError
	tail     []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStarter injects a custom process starter (primarily for tests).
func WithStarter(s ProcessStarter) Option {
	return func(sup *Supervisor) {
		if s != nil {
			sup.starter = s
		}
	}
}

// New creates an unstarted Supervisor. If log is nil, slog.Default() is
// used.
func New(cfg Config, log *slog.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		log:     log.With("component", "encoder"),
		cfg:     cfg,
		starter: execStarter{},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns the subprocess and begins watching its diagnostics and
// exit. It returns within SpawnTimeout; a launch that takes longer is
// abandoned and killed. Failures wrap ErrSpawn.
func (s *Supervisor) Start() error {
	args := buildArgs(s.cfg)

	type started struct {
		proc Process
		err  error
	}
	ch := make(chan started, 1)
	go func() {
		p, err := s.starter.Start(s.cfg.Binary, args)
		ch <- started{p, err}
	}()

	timeout := s.cfg.SpawnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case st := <-ch:
		if st.err != nil {
			return fmt.Errorf("%w: %v", ErrSpawn, st.err)
		}
		s.proc = st.proc
	case <-time.After(timeout):
		go func() {
			if st := <-ch; st.err == nil {
				_ = st.proc.Kill()
			}
		}()
		return fmt.Errorf("%w: timed out after %s", ErrSpawn, timeout)
	}

	s.stdin = s.proc.Stdin()
	s.startedAt = time.Now()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go s.watchStderr()
	go s.waitExit()

	s.log.Info("encoder started",
		"destination", RedactDestination(s.cfg.IngestURL),
		"size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FrameRate,
		"bitrate_kbps", s.cfg.BitrateKbps,
	)
	return nil
}

// WriteFrame pipes one raw frame to the subprocess input. After the
// process has exited or Stop has closed the pipe, it returns
// ErrPipeClosed instead of panicking or blocking forever.
func (s *Supervisor) WriteFrame(raw []byte) error {
	select {
	case <-s.done:
		return ErrPipeClosed
	default:
	}

	if _, err := s.stdin.Write(raw); err != nil {
		// Any write failure on the pipe means the subprocess stopped
		// consuming; the distinction between EPIPE and a closed file
		// does not matter to callers.
		return fmt.Errorf("%w: %v", ErrPipeClosed, err)
	}
	s.frameCount.Add(1)
	return nil
}

// Stop terminates the subprocess: input is closed first so the encoder
// can flush and finalize the container, then after StopGrace the process
// is killed. Idempotent; safe to call concurrently with WriteFrame, and a
// no-op when the process never started.
func (s *Supervisor) Stop() {
	s.stopping.Store(true)

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.shutdownOnce.Do(func() {
		s.closeStdin()

		grace := s.cfg.StopGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}

		select {
		case <-s.done:
		case <-time.After(grace):
			s.log.Warn("encoder did not exit within grace period, killing")
			_ = s.proc.Kill()
			<-s.done
		}
	})
}

// Done is closed once the subprocess has exited, for any reason.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ExitError classifies how the subprocess ended. nil means a clean,
// requested stop. Available once Done is closed.
func (s *Supervisor) ExitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejected != nil {
		return s.rejected
	}
	if s.requestedAtExit.Load() {
		return nil
	}

	detail := "exited cleanly"
	if s.waitErr != nil {
		detail = s.waitErr.Error()
	}
	if last := s.lastTailLocked(); last != "" {
		detail += ": " + last
	}
	return fmt.Errorf("%w: %s", ErrProcessExited, detail)
}

// FramesWritten returns how many raw frames have been piped so far.
func (s *Supervisor) FramesWritten() int64 { return s.frameCount.Load() }

// Uptime reports how long the subprocess has been running.
func (s *Supervisor) Uptime() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// DiagnosticTail returns the most recent (redacted) diagnostic lines.
func (s *Supervisor) DiagnosticTail() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tail...)
}

func (s *Supervisor) closeStdin() {
	s.stdinOnce.Do(func() {
		if err := s.stdin.Close(); err != nil {
			s.log.Debug("closing encoder input", "error", err)
		}
	})
}

// waitExit reaps the subprocess and publishes its exit. Whether a stop
// had been requested is captured here: a Stop issued only after the
// process already died must not reclassify the death as intentional.
func (s *Supervisor) waitExit() {
	err := s.proc.Wait()

	s.requestedAtExit.Store(s.stopping.Load())
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()

	close(s.done)

	if s.requestedAtExit.Load() {
		s.log.Info("encoder exited after stop", "frames", s.frameCount.Load())
	} else {
		s.log.Warn("encoder exited unexpectedly", "error", err, "frames", s.frameCount.Load())
	}
}

// Diagnostic substrings that indicate the destination refused the stream
// rather than a local encode problem. Matched case-insensitively.
var rejectionMarkers = []string{
	"connection refused",
	"connection reset by peer",
	"failed to connect",
	"connection timed out",
	"error opening output",
	"rtmp handshake failed",
	"access denied",
	"authorization failed",
}

// watchStderr follows the subprocess diagnostic stream. Steady-state
// progress lines stay at debug level; lines matching a rejection marker
// flip the exit classification to PublishRejected.
func (s *Supervisor) watchStderr() {
	scanner := bufio.NewScanner(s.proc.Stderr())
	for scanner.Scan() {
		line := s.redact(scanner.Text())

		s.mu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > stderrTailLen {
			s.tail = s.tail[1:]
		}
		alreadyRejected := s.rejected != nil
		s.mu.Unlock()

		s.log.Debug("encoder diagnostics", "line", line)

		if alreadyRejected {
			continue
		}
		lower := strings.ToLower(line)
		for _, marker := range rejectionMarkers {
			if strings.Contains(lower, marker) {
				s.mu.Lock()
				s.rejected = &PublishRejectedError{Diagnostic: line}
				s.mu.Unlock()
				s.log.Warn("destination rejected publish", "diagnostic", line)
				break
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Debug("diagnostic stream closed", "error", err)
	}
}

// redact masks the stream key anywhere it appears in diagnostic output so
// it can never leak through logs or client-facing errors.
func (s *Supervisor) redact(line string) string {
	if s.cfg.StreamKey == "" {
		return line
	}
	return strings.ReplaceAll(line, s.cfg.StreamKey, "****")
}

func (s *Supervisor) lastTailLocked() string {
	if len(s.tail) == 0 {
		return ""
	}
	return s.tail[len(s.tail)-1]
}

// execStarter is the production ProcessStarter backed by os/exec.
type execStarter struct{}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func (execStarter) Start(binary string, args []string) (Process, error) {
	cmd := exec.Command(binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}
