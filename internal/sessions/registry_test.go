package sessions

import (
	"sync"
	"testing"
)

func TestPutGetRemove(t *testing.T) {
	r := NewRegistry[string]()

	r.Put("s1", "alpha")
	if got, ok := r.Get("s1"); !ok || got != "alpha" {
		t.Fatalf("Get after Put: got %q, %v", got, ok)
	}

	if _, ok := r.Get("never-issued"); ok {
		t.Fatal("lookup of unknown id succeeded")
	}

	if !r.Remove("s1") {
		t.Fatal("first Remove reported absent entry")
	}
	if _, ok := r.Get("s1"); ok {
		t.Fatal("removed session still resolvable")
	}
}

func TestIdempotentRemoval(t *testing.T) {
	r := NewRegistry[int]()
	r.Put("s1", 1)

	if !r.Remove("s1") {
		t.Fatal("first removal should report presence")
	}
	// Transport close callback firing after an explicit close.
	if r.Remove("s1") {
		t.Fatal("second removal should be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("registry not empty: %d", r.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			r.Put(id, n)
			r.Get(id)
			r.Remove(id)
		}(i)
	}
	wg.Wait()
	if got := r.Len(); got != 0 {
		t.Fatalf("expected empty registry, got %d entries", got)
	}
}
