package pool

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/jaswdr/faker"
	"github.com/momentics/hioload-mem/api"
)

func TestEnsureWritableWithinMax(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 1, 10)
	if err := b.EnsureWritable(3); err != nil {
		t.Fatalf("EnsureWritable(3): %v", err)
	}
	if b.WritableBytes() < 3 {
		t.Errorf("WritableBytes = %d, want >= 3", b.WritableBytes())
	}
	if b.Capacity() > b.MaxCapacity() {
		t.Errorf("capacity %d exceeds max %d", b.Capacity(), b.MaxCapacity())
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestEnsureWritableBeyondMax(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 1, 10)
	err := b.EnsureWritable(11)
	if !errors.Is(err, api.ErrIndexOutOfRange) {
		t.Fatalf("EnsureWritable(11): expected IndexOutOfRange, got %v", err)
	}
	if b.Capacity() != 1 || b.ReaderIndex() != 0 || b.WriterIndex() != 0 {
		t.Errorf("state changed on failure: %s", b)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release after failed growth: %v", err)
	}
}

func TestNewBufferCursors(t *testing.T) {
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		max := rng.Intn(3 << 20)
		initial := 0
		if max > 0 {
			initial = rng.Intn(max + 1)
		}
		b := mustBuffer(t, a, initial, max)
		if b.ReaderIndex() != 0 || b.WriterIndex() != 0 {
			t.Fatalf("fresh buffer cursors: %s", b)
		}
		if b.Capacity() < initial || b.Capacity() > max {
			t.Fatalf("capacity %d outside [%d, %d]", b.Capacity(), initial, max)
		}
		if err := b.Release(); err != nil {
			t.Fatal(err)
		}
	}
	if n := a.Stats().ActiveBuffers; n != 0 {
		t.Errorf("ActiveBuffers = %d after releasing everything", n)
	}
}

func TestNewBufferIllegalArgument(t *testing.T) {
	a := newTestAllocator(t)
	for _, tc := range []struct{ initial, max int }{{-1, 10}, {11, 10}, {0, -1}} {
		if _, err := a.NewBuffer(tc.initial, tc.max); !errors.Is(err, api.ErrIllegalArgument) {
			t.Errorf("NewBuffer(%d, %d): expected IllegalArgument, got %v", tc.initial, tc.max, err)
		}
	}
}

func TestZeroCapacityBuffer(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 0, 0)
	if b.Capacity() != 0 || b.Pooled() {
		t.Fatalf("zero buffer: %s", b)
	}
	if err := b.WriteByte(1); !errors.Is(err, api.ErrIndexOutOfRange) {
		t.Errorf("WriteByte on 0/0 buffer: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}

	b = mustBuffer(t, a, 0, 1024)
	if err := b.WriteString("grow from nothing"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if !b.Pooled() {
		t.Error("grown buffer should be backed by a chunk run")
	}
	b.Release()
}

func TestEnsureWritableNoop(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 100, 1000)
	defer b.Release()
	b.WriteBytes(make([]byte, 10))
	before, capBefore := base(b), b.Capacity()
	if err := b.EnsureWritable(90); err != nil {
		t.Fatal(err)
	}
	if base(b) != before || b.Capacity() != capBefore {
		t.Errorf("EnsureWritable with enough room changed the buffer: %s", b)
	}
}

func TestEnsureWritableUsesRunSlack(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 100, 10000)
	defer b.Release()
	before := base(b)
	if err := b.EnsureWritable(200); err != nil {
		t.Fatal(err)
	}
	if b.Capacity() != 256 {
		t.Errorf("capacity = %d, want 256", b.Capacity())
	}
	if base(b) != before {
		t.Error("growth within the page run must not move the buffer")
	}
}

func TestEnsureWritableExtendsRunInPlace(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.NumArenas = 1 })
	b := mustBuffer(t, a, testPage, 1<<20)
	defer b.Release()
	payload := bytes.Repeat([]byte{0xAB}, testPage)
	if err := b.WriteBytes(payload); err != nil {
		t.Fatal(err)
	}
	before := base(b)
	if err := b.WriteByte(0xCD); err != nil {
		t.Fatal(err)
	}
	if base(b) != before {
		t.Error("free pages after the run should be absorbed in place")
	}
	if b.Capacity() != 2*testPage {
		t.Errorf("capacity = %d, want %d", b.Capacity(), 2*testPage)
	}
	view, _ := b.ReadableView()
	if !bytes.Equal(view[:testPage], payload) || view[testPage] != 0xCD {
		t.Error("contents lost during in-place growth")
	}
}

func TestEnsureWritableReallocates(t *testing.T) {
	a := newTestAllocator(t, func(c *Config) { c.NumArenas = 1 })
	b := mustBuffer(t, a, testPage, 1<<20)
	blocker := mustBuffer(t, a, testPage, testPage)
	defer blocker.Release()

	f := faker.New()
	msg := f.RandomStringWithLength(testPage)
	if err := b.WriteString(msg); err != nil {
		t.Fatal(err)
	}
	if err := b.SkipBytes(10); err != nil {
		t.Fatal(err)
	}
	before := base(b)
	if err := b.EnsureWritable(testPage); err != nil {
		t.Fatal(err)
	}
	if base(b) == before {
		t.Error("blocked run should have been reallocated")
	}
	if b.ReaderIndex() != 10 || b.WriterIndex() != testPage {
		t.Errorf("cursors changed by reallocation: %s", b)
	}
	rest, err := b.ReadString(b.ReadableBytes())
	if err != nil || rest != msg[10:] {
		t.Errorf("contents lost during reallocation: err=%v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if used := a.Arena(0).Stats().UsedBytes; used != testPage {
		t.Errorf("arena UsedBytes = %d, want only the blocker's page", used)
	}
}

func TestEnsureWritableFailureKeepsState(t *testing.T) {
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		max := rng.Intn(8192) + 1
		b := mustBuffer(t, a, rng.Intn(max+1), max)
		w := rng.Intn(max + 1)
		if err := b.EnsureWritable(w); err != nil {
			t.Fatalf("EnsureWritable(%d) within max %d: %v", w, max, err)
		}
		b.SetWriterIndex(w)
		capBefore := b.Capacity()
		n := max - w + 1 + rng.Intn(100)
		if err := b.EnsureWritable(n); !errors.Is(err, api.ErrIndexOutOfRange) {
			t.Fatalf("EnsureWritable(%d) at widx %d max %d: %v", n, w, max, err)
		}
		if b.Capacity() != capBefore || b.WriterIndex() != w || b.ReaderIndex() != 0 {
			t.Fatalf("failed EnsureWritable mutated the buffer: %s", b)
		}
		b.Release()
	}
}

func TestEnsureWritableHugeGrowth(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 64, math.MaxInt)
	defer b.Release()
	b.WriteString("keep")
	if err := b.EnsureWritable(math.MaxInt - 4); !errors.Is(err, api.ErrResourceExhausted) {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if b.Capacity() != 64 || b.WriterIndex() != 4 || !b.Pooled() {
		t.Fatalf("failed growth mutated the buffer: %s", b)
	}
	if err := b.EnsureWritable(1000); err != nil {
		t.Fatalf("ordinary growth after huge failure: %v", err)
	}
	if s, _ := b.ReadString(4); s != "keep" {
		t.Errorf("contents lost: %q", s)
	}
}

func TestNextCapacity(t *testing.T) {
	tests := []struct{ min, max, want int }{
		{1, 10, 10},
		{3, 1 << 20, 64},
		{65, 1 << 20, 128},
		{4 << 20, 64 << 20, 4 << 20},
		{(4 << 20) + 1, 64 << 20, 8 << 20},
		{(9 << 20) + 5, 10 << 20, 10 << 20},
	}
	for _, tc := range tests {
		if got := nextCapacity(tc.min, tc.max); got != tc.want {
			t.Errorf("nextCapacity(%d, %d) = %d, want %d", tc.min, tc.max, got, tc.want)
		}
	}
}

func TestReferenceCounting(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 16, 16)
	if err := b.Retain(); err != nil {
		t.Fatal(err)
	}
	if b.RefCount() != 2 {
		t.Fatalf("RefCount = %d, want 2", b.RefCount())
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if b.RefCount() != 1 || a.Stats().ActiveBuffers != 1 {
		t.Fatal("buffer must stay live while a reference remains")
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if a.Stats().ActiveBuffers != 0 {
		t.Errorf("ActiveBuffers = %d after final release", a.Stats().ActiveBuffers)
	}

	if err := b.Release(); !errors.Is(err, api.ErrDoubleRelease) {
		t.Errorf("extra Release: expected DoubleRelease, got %v", err)
	}
	if err := b.Retain(); !errors.Is(err, api.ErrUseAfterRelease) {
		t.Errorf("Retain after release: expected UseAfterRelease, got %v", err)
	}
	if err := b.WriteByte(1); !errors.Is(err, api.ErrUseAfterRelease) {
		t.Errorf("WriteByte after release: %v", err)
	}
	if _, err := b.ReadByte(); !errors.Is(err, api.ErrUseAfterRelease) {
		t.Errorf("ReadByte after release: %v", err)
	}
	if _, err := b.ReadableView(); !errors.Is(err, api.ErrUseAfterRelease) {
		t.Errorf("ReadableView after release: %v", err)
	}
	if err := b.EnsureWritable(1); !errors.Is(err, api.ErrUseAfterRelease) {
		t.Errorf("EnsureWritable after release: %v", err)
	}
}

func TestConcurrentRetainRelease(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 64, 64)
	const workers, rounds = 8, 1000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := b.Retain(); err != nil {
					t.Error(err)
					return
				}
				if err := b.Release(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if b.RefCount() != 1 {
		t.Fatalf("RefCount = %d after balanced retain/release", b.RefCount())
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
	if a.Stats().UsedBytes != 0 {
		t.Errorf("UsedBytes = %d after final release", a.Stats().UsedBytes)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	f := faker.New()
	for i := 0; i < 50; i++ {
		msg := f.Lorem().Sentence(f.IntBetween(1, 200))
		b := mustBuffer(t, a, 0, 1<<16)
		if err := b.WriteString(msg); err != nil {
			t.Fatal(err)
		}
		if b.WriterIndex() != len(msg) {
			t.Fatalf("WriterIndex = %d, want %d", b.WriterIndex(), len(msg))
		}
		got, err := b.ReadBytes(len(msg))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != msg {
			t.Fatalf("round trip mismatch: %q != %q", got, msg)
		}
		if b.ReaderIndex() != len(msg) || b.ReaderIndex() > b.WriterIndex() {
			t.Fatalf("cursors after read: %s", b)
		}
		if _, err := b.ReadByte(); !errors.Is(err, api.ErrIndexOutOfRange) {
			t.Errorf("reading past writerIndex: %v", err)
		}
		b.Release()
	}
}

func TestIntegersAndStreams(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 0, 256)
	defer b.Release()
	b.WriteUint16(0xBEEF)
	b.WriteUint32(0xDEADBEEF)
	b.WriteUint64(0x0123456789ABCDEF)
	if v, _ := b.ReadUint16(); v != 0xBEEF {
		t.Errorf("ReadUint16 = %#x", v)
	}
	if v, _ := b.ReadUint32(); v != 0xDEADBEEF {
		t.Errorf("ReadUint32 = %#x", v)
	}
	if v, _ := b.ReadUint64(); v != 0x0123456789ABCDEF {
		t.Errorf("ReadUint64 = %#x", v)
	}

	if _, err := io.WriteString(b, "stream"); err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(b)
	if err != nil || string(out) != "stream" {
		t.Errorf("io.ReadAll = %q, %v", out, err)
	}
}

func TestMarksAndDiscard(t *testing.T) {
	a := newTestAllocator(t)
	b := mustBuffer(t, a, 32, 32)
	defer b.Release()
	b.WriteString("abcdef")
	b.MarkReaderIndex()
	b.SkipBytes(3)
	if err := b.ResetReaderIndex(); err != nil || b.ReaderIndex() != 0 {
		t.Fatalf("ResetReaderIndex: %v idx=%d", err, b.ReaderIndex())
	}
	b.SkipBytes(2)
	if err := b.DiscardReadBytes(); err != nil {
		t.Fatal(err)
	}
	if b.ReaderIndex() != 0 || b.WriterIndex() != 4 {
		t.Fatalf("after discard: %s", b)
	}
	if s, _ := b.ReadString(4); s != "cdef" {
		t.Errorf("after discard read %q", s)
	}
	if err := b.SetReaderIndex(5); !errors.Is(err, api.ErrIndexOutOfRange) {
		t.Errorf("readerIndex beyond writerIndex: %v", err)
	}
	if err := b.SetWriterIndex(33); !errors.Is(err, api.ErrIndexOutOfRange) {
		t.Errorf("writerIndex beyond capacity: %v", err)
	}
}
