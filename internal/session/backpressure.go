package session

import "sync/atomic"

// frameGate is the admission gate between the transport and a session's
// encoder pipe. It bounds how many frames may be in flight (accepted but
// not yet written) at once; anything beyond the bound is dropped at the
// door. A live broadcast prefers a dropped frame over a growing queue.
type frameGate struct {
	bound   int64
	pending atomic.Int64
}

func newFrameGate(bound int) *frameGate {
	if bound < 1 {
		bound = 1
	}
	return &frameGate{bound: int64(bound)}
}

// admit reserves one in-flight slot. It returns false, without blocking,
// when the session already has bound frames pending.
func (g *frameGate) admit() bool {
	for {
		n := g.pending.Load()
		if n >= g.bound {
			return false
		}
		if g.pending.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release returns a slot after the frame was written, failed to decode,
// or failed to write.
func (g *frameGate) release() {
	if g.pending.Add(-1) < 0 {
		// Unbalanced release; clamp rather than let admits run negative.
		g.pending.Store(0)
	}
}

// depth reports the current number of in-flight frames.
func (g *frameGate) depth() int {
	return int(g.pending.Load())
}
