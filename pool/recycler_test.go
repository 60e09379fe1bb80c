package pool

import (
	"sync"
	"testing"
)

func TestRecyclerLIFO(t *testing.T) {
	made := 0
	r := NewRecycler(2, func() *int { made++; v := made; return &v })
	a, b, c := r.Get(), r.Get(), r.Get()
	if made != 3 {
		t.Fatalf("constructed %d objects, want 3", made)
	}
	r.Put(a)
	r.Put(b)
	r.Put(c) // over capacity
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if got := r.Get(); got != b {
		t.Errorf("Get returned %d, want most recently put %d", *got, *b)
	}
	s := r.Stats()
	if s.Hits != 1 || s.Misses != 3 || s.Drops != 1 || s.Cached != 1 {
		t.Errorf("stats %+v", s)
	}
	r.Drain()
	if r.Len() != 0 {
		t.Error("Drain left objects behind")
	}
}

func TestRecyclerDisabled(t *testing.T) {
	r := NewRecycler(0, func() []byte { return make([]byte, 8) })
	r.Put(r.Get())
	if r.Len() != 0 || r.Stats().Drops != 1 {
		t.Errorf("zero-capacity recycler cached an object: %+v", r.Stats())
	}
}

func TestRecyclerCrossGoroutinePut(t *testing.T) {
	r := NewRecycler(64, newShell)
	objs := make([]*shell, 64)
	for i := range objs {
		objs[i] = r.Get()
	}
	var wg sync.WaitGroup
	for _, o := range objs {
		wg.Add(1)
		go func(o *shell) {
			defer wg.Done()
			r.Put(o)
		}(o)
	}
	wg.Wait()
	if r.Len() != 64 {
		t.Errorf("Len = %d, want 64", r.Len())
	}
}
