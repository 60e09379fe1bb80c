// File: pool/arena.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Arena owns a growable set of chunks and routes run allocations to them.
// All chunk mutation happens under the arena lock; workers are spread over
// arenas by the allocator so the lock is rarely contended.

package pool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-mem/api"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// Fallback signals. The allocator answers both with an unpooled region;
// Arena.Allocate returns them to its caller unchanged.
var (
	ErrHugeAllocation = errors.New("pool: request exceeds chunk size")
	ErrArenaExhausted = errors.New("pool: arena cannot satisfy request")
)

// IsFallback reports whether err asks for an unpooled allocation.
func IsFallback(err error) bool {
	return errors.Is(err, ErrHugeAllocation) || errors.Is(err, ErrArenaExhausted)
}

// idleEntry marks the moment a chunk became fully free. A chunk that is
// reused and freed again gets a new epoch, which invalidates older entries.
type idleEntry struct {
	chunk *Chunk
	epoch uint64
}

// Arena is a pool segment owning one or more chunks.
type Arena struct {
	index  int
	parent *Allocator
	logger *zap.Logger

	pageSize      int
	pagesPerChunk int
	maxChunks     int
	maxIdle       int
	provider      memoryProvider

	mu          sync.Mutex
	chunks      []*Chunk
	current     *Chunk
	idle        *queue.Queue // of idleEntry, oldest first
	idleCount   int
	idleEpoch   map[*Chunk]uint64
	nextChunkID int
	closed      bool

	_        cpu.CacheLinePad
	bindings atomic.Int32
	allocs   atomic.Int64
	frees    atomic.Int64
	created  atomic.Int64
	reclaims atomic.Int64
	_        cpu.CacheLinePad
}

func newArena(index int, parent *Allocator, cfg Config, provider memoryProvider, logger *zap.Logger) *Arena {
	return &Arena{
		index:         index,
		parent:        parent,
		logger:        logger.With(zap.Int("arena", index)),
		pageSize:      cfg.PageSize,
		pagesPerChunk: cfg.PagesPerChunk,
		maxChunks:     cfg.MaxChunksPerArena,
		maxIdle:       cfg.MaxIdleChunks,
		provider:      provider,
		idle:          queue.New(),
		idleEpoch:     make(map[*Chunk]uint64),
	}
}

// Index returns the arena position within its allocator.
func (a *Arena) Index() int { return a.index }

// Allocate binds a fresh buffer to a run of this arena. Unlike the
// allocator it does not fall back: ErrHugeAllocation or ErrArenaExhausted
// are returned when the arena cannot serve the request.
func (a *Arena) Allocate(minCapacity, maxCapacity int) (*PooledBuffer, error) {
	if err := checkCapacities(minCapacity, maxCapacity); err != nil {
		return nil, err
	}
	reg := region{home: a}
	if minCapacity > 0 {
		chunk, run, mem, err := a.allocateRun(minCapacity)
		if err != nil {
			return nil, err
		}
		reg.arena, reg.chunk, reg.run, reg.mem = a, chunk, run, mem
	}
	b := newShell().init(a.parent, reg, minCapacity, maxCapacity, nil)
	a.parent.active.Add(1)
	return b, nil
}

// allocateRun reserves a run of at least n bytes.
func (a *Arena) allocateRun(n int) (*Chunk, *Run, []byte, error) {
	if n > a.pageSize*a.pagesPerChunk {
		return nil, nil, nil, ErrHugeAllocation
	}
	pages := pagesCovering(n, a.pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, nil, ErrArenaExhausted
	}

	chunk := a.selectChunk(pages)
	if chunk == nil {
		var err error
		if chunk, err = a.addChunk(); err != nil {
			return nil, nil, nil, err
		}
	}
	run, ok := chunk.Allocate(n)
	if !ok {
		// selectChunk checked the largest free run; this is a bookkeeping bug.
		return nil, nil, nil, ErrArenaExhausted
	}
	if chunk.idle {
		chunk.idle = false
		a.idleCount--
	}
	a.current = chunk
	a.allocs.Add(1)
	return chunk, run, chunk.Bytes(run), nil
}

// selectChunk prefers the current chunk, then the least used one that fits.
// Must hold a.mu.
func (a *Arena) selectChunk(pages int) *Chunk {
	if c := a.current; c != nil && c.LargestFreeRun() >= pages {
		return c
	}
	var best *Chunk
	for _, c := range a.chunks {
		if c.LargestFreeRun() < pages {
			continue
		}
		if best == nil || c.usedPages < best.usedPages {
			best = c
		}
	}
	return best
}

// addChunk maps a new chunk. Must hold a.mu.
func (a *Arena) addChunk() (*Chunk, error) {
	if a.maxChunks > 0 && len(a.chunks) >= a.maxChunks {
		return nil, ErrArenaExhausted
	}
	c, err := newChunk(a.nextChunkID, a.pageSize, a.pagesPerChunk, a.provider)
	if err != nil {
		a.logger.Warn("pool: chunk allocation failed", zap.Error(err))
		return nil, ErrArenaExhausted
	}
	a.nextChunkID++
	a.chunks = append(a.chunks, c)
	a.created.Add(1)
	a.logger.Debug("pool: chunk created",
		zap.Int("chunk", c.id),
		zap.Int("bytes", c.Size()),
		zap.String("provider", a.provider.name()),
		zap.Int("chunks", len(a.chunks)))
	return c, nil
}

// extendRun grows run in place by extra pages. Returns the new backing slice.
func (a *Arena) extendRun(chunk *Chunk, run *Run, extra int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !chunk.Extend(run, extra) {
		return nil, false
	}
	return chunk.Bytes(run), true
}

// Release returns a run to its chunk.
func (a *Arena) Release(chunk *Chunk, run *Run) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := chunk.Free(run); err != nil {
		return err
	}
	a.frees.Add(1)
	if !chunk.IsEmpty() {
		return nil
	}
	if a.closed {
		a.dropChunk(chunk)
		return nil
	}
	if !chunk.idle {
		chunk.idle = true
		a.idleCount++
		epoch := a.idleEpoch[chunk] + 1
		a.idleEpoch[chunk] = epoch
		a.idle.Add(idleEntry{chunk: chunk, epoch: epoch})
		a.pruneIdle()
	}
	a.reclaim(a.maxIdle)
	return nil
}

// live reports whether e still describes an idle period of its chunk.
// Must hold a.mu.
func (a *Arena) live(e idleEntry) bool {
	c := e.chunk
	return c.idle && !c.released && a.idleEpoch[c] == e.epoch
}

// pruneIdle drops entries left behind by chunks that were reused while
// queued. Stale heads go first; the queue is rebuilt once it holds more
// than two entries per chunk. Must hold a.mu.
func (a *Arena) pruneIdle() {
	for a.idle.Length() > 0 && !a.live(a.idle.Peek().(idleEntry)) {
		a.idle.Remove()
	}
	if a.idle.Length() <= 2*len(a.chunks) {
		return
	}
	q := queue.New()
	for a.idle.Length() > 0 {
		if e := a.idle.Remove().(idleEntry); a.live(e) {
			q.Add(e)
		}
	}
	a.idle = q
}

// reclaim unmaps the oldest idle chunks until at most keep remain.
// Must hold a.mu.
func (a *Arena) reclaim(keep int) {
	for a.idleCount > keep && a.idle.Length() > 0 {
		e := a.idle.Remove().(idleEntry)
		if !a.live(e) {
			continue
		}
		a.idleCount--
		a.dropChunk(e.chunk)
	}
}

// dropChunk removes c from the arena and releases its memory. Must hold a.mu.
func (a *Arena) dropChunk(c *Chunk) {
	for i, cc := range a.chunks {
		if cc == c {
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
			break
		}
	}
	if a.current == c {
		a.current = nil
	}
	delete(a.idleEpoch, c)
	c.idle = false
	if err := c.release(); err != nil {
		a.logger.Warn("pool: chunk release failed", zap.Int("chunk", c.id), zap.Error(err))
	}
	a.reclaims.Add(1)
	a.logger.Debug("pool: chunk reclaimed", zap.Int("chunk", c.id), zap.Int("chunks", len(a.chunks)))
}

// Trim releases every idle chunk regardless of the high-water mark.
func (a *Arena) Trim() {
	a.mu.Lock()
	a.reclaim(0)
	a.mu.Unlock()
}

// close releases empty chunks now; busy ones go when their last run is freed.
func (a *Arena) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, c := range append([]*Chunk(nil), a.chunks...) {
		if c.IsEmpty() {
			a.dropChunk(c)
		}
	}
	a.idle = queue.New()
	a.idleCount = 0
}

// NumChunks returns the number of mapped chunks.
func (a *Arena) NumChunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// Stats returns a snapshot of arena occupancy.
func (a *Arena) Stats() api.ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := api.ArenaStats{
		Index:           a.index,
		Chunks:          len(a.chunks),
		IdleChunks:      a.idleCount,
		Bindings:        a.bindings.Load(),
		Allocs:          a.allocs.Load(),
		Frees:           a.frees.Load(),
		ChunksCreated:   a.created.Load(),
		ChunksReclaimed: a.reclaims.Load(),
	}
	for _, c := range a.chunks {
		s.ChunkBytes += int64(c.Size())
		s.UsedBytes += int64(c.UsedBytes())
	}
	return s
}
