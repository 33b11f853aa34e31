package encoder

import (
	"errors"
	"fmt"
)

// Sentinel errors for encoder lifecycle failures. Callers classify
// outcomes with errors.Is rather than by matching error text.
var (
	// ErrSpawn wraps any failure to launch the encoder subprocess
	// (binary missing, bad arguments, spawn timeout).
	ErrSpawn = errors.New("encoder: spawn failed")

	// ErrPipeClosed reports a frame write against an input pipe the
	// subprocess no longer reads. Recoverable for the relay, fatal for
	// the session.
	ErrPipeClosed = errors.New("encoder: input pipe closed")

	// ErrProcessExited reports an unexpected subprocess exit while the
	// session was live.
	ErrProcessExited = errors.New("encoder: process exited")

	// ErrStopped marks a deliberate termination via Stop; not a fault.
	ErrStopped = errors.New("encoder: stopped")
)

// PublishRejectedError reports that the RTMP destination refused the
// stream, detected from the subprocess's diagnostics. Diagnostic is
// pre-redacted and safe to surface to the client.
type PublishRejectedError struct {
	Diagnostic string
}

func (e *PublishRejectedError) Error() string {
	return fmt.Sprintf("encoder: destination rejected publish: %s", e.Diagnostic)
}
