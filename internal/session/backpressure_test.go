package session

import (
	"sync"
	"testing"
)

func TestFrameGateBound(t *testing.T) {
	t.Parallel()
	g := newFrameGate(3)

	for i := 0; i < 3; i++ {
		if !g.admit() {
			t.Fatalf("admit %d should succeed", i)
		}
	}
	if g.admit() {
		t.Fatal("admit past the bound should fail")
	}

	g.release()
	if !g.admit() {
		t.Fatal("admit after release should succeed")
	}
	if g.depth() != 3 {
		t.Errorf("depth: got %d, want 3", g.depth())
	}
}

func TestFrameGateUnbalancedReleaseClamps(t *testing.T) {
	t.Parallel()
	g := newFrameGate(2)

	g.release()
	if g.depth() != 0 {
		t.Errorf("depth after stray release: got %d, want 0", g.depth())
	}
	if !g.admit() || !g.admit() {
		t.Error("bound should still be 2 after a stray release")
	}
	if g.admit() {
		t.Error("third admit should fail")
	}
}

func TestFrameGateConcurrent(t *testing.T) {
	t.Parallel()
	g := newFrameGate(8)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 1600)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if g.admit() {
					admitted <- struct{}{}
					g.release()
				}
			}
		}()
	}
	wg.Wait()

	if d := g.depth(); d != 0 {
		t.Errorf("depth after balanced use: got %d, want 0", d)
	}
	if len(admitted) == 0 {
		t.Error("no admissions under concurrency")
	}
}
