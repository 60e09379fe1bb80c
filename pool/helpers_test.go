package pool

import "testing"

// testConfig is a small heap-backed geometry: 4 KiB pages, 1 MiB chunks.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumArenas = 2
	cfg.PagesPerChunk = 256
	cfg.UseMmap = false
	return cfg
}

func newTestAllocator(t *testing.T, mutate ...func(*Config)) *Allocator {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func mustBuffer(t *testing.T, a *Allocator, initial, max int) *PooledBuffer {
	t.Helper()
	b, err := a.Allocate(initial, max)
	if err != nil {
		t.Fatalf("Allocate(%d, %d): %v", initial, max, err)
	}
	return b
}

func base(b *PooledBuffer) *byte {
	if len(b.region.mem) == 0 {
		return nil
	}
	return &b.region.mem[0]
}
