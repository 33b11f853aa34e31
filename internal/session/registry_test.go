package session

import (
	"sync"
	"testing"
)

func registrySession(id string) *Session {
	return New(Config{
		ID:      id,
		Profile: testProfile(),
		Encoder: newStubEncoder(),
		Decoder: passthroughDecoder{},
		Events:  newRecordingEvents(),
	})
}

func TestRegistryAddAndGet(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	if !r.Add(registrySession("a")) {
		t.Fatal("Add returned false for a new id")
	}
	s, ok := r.Get("a")
	if !ok || s.ID() != "a" {
		t.Fatalf("Get: got %v, %v", s, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len: got %d, want 1", r.Len())
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	first := registrySession("dup")
	if !r.Add(first) {
		t.Fatal("first Add should succeed")
	}
	if r.Add(registrySession("dup")) {
		t.Fatal("second Add with the same id should fail")
	}

	// The original registration is untouched.
	got, ok := r.Get("dup")
	if !ok || got != first {
		t.Error("duplicate Add must not replace the existing session")
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	r.Add(registrySession("x"))
	r.Remove("x")
	r.Remove("x")

	if _, ok := r.Get("x"); ok {
		t.Error("session should be gone after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}

	// The id is free again after removal.
	if !r.Add(registrySession("x")) {
		t.Error("id should be reusable once removed")
	}
}

func TestRegistryConcurrentDistinctIDs(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			r.Add(registrySession(id))
			r.Get(id)
			r.List()
		}(i)
	}
	wg.Wait()

	if r.Len() > 26 {
		t.Errorf("Len: got %d, want at most 26", r.Len())
	}
}
