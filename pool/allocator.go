// File: pool/allocator.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Allocator facade: binds workers to arenas, hands out pooled buffers and
// falls back to unpooled memory when the arenas cannot serve a request.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-mem/api"
	"github.com/momentics/hioload-mem/internal/registry"
	"go.uber.org/zap"
)

// Option customizes allocator initialization.
type Option func(*Allocator)

// WithLogger attaches a structured logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.logger = l
		}
	}
}

// Allocator is the entry point of the pool.
type Allocator struct {
	cfg      Config
	logger   *zap.Logger
	provider memoryProvider
	arenas   []*Arena

	bindMu   sync.Mutex
	bindings *registry.Registry[api.WorkerID, *Binding]

	rr     atomic.Uint32
	shared *Recycler[*shell]

	// Recycler counters of unbound workers, so totals never go backwards.
	retiredHits   atomic.Int64
	retiredMisses atomic.Int64
	retiredDrops  atomic.Int64

	unpooledLimit int64
	unpooled      atomic.Int64
	fallbacks     atomic.Int64
	exhausted     atomic.Int64
	active        atomic.Int64

	closed atomic.Bool
}

var _ api.BufferAllocator = (*Allocator)(nil)

// New builds an allocator from cfg.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{
		cfg:           cfg,
		logger:        zap.NewNop(),
		provider:      selectProvider(cfg.UseMmap),
		bindings:      registry.New[api.WorkerID, *Binding](cfg.RegistryShards),
		unpooledLimit: cfg.MaxUnpooledBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.shared = a.newRecycler()
	a.arenas = make([]*Arena, cfg.NumArenas)
	for i := range a.arenas {
		a.arenas[i] = newArena(i, a, cfg, a.provider, a.logger)
	}
	a.logger.Info("pool: allocator initialized",
		zap.Int("arenas", cfg.NumArenas),
		zap.Int("pageSize", cfg.PageSize),
		zap.Int("chunkSize", cfg.ChunkSize()),
		zap.String("memory", a.provider.name()))
	return a, nil
}

// Config returns the configuration the allocator was built with.
func (a *Allocator) Config() Config { return a.cfg }

// Arena returns the i-th arena.
func (a *Allocator) Arena(i int) *Arena { return a.arenas[i] }

// NumArenas returns the arena count.
func (a *Allocator) NumArenas() int { return len(a.arenas) }

func (a *Allocator) newRecycler() *Recycler[*shell] {
	return NewRecycler(a.cfg.RecyclerCapacity, newShell)
}

// NewBuffer allocates from the shared arenas, chosen round-robin.
func (a *Allocator) NewBuffer(initialCapacity, maxCapacity int) (api.ByteBuffer, error) {
	b, err := a.Allocate(initialCapacity, maxCapacity)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Allocate is NewBuffer returning the concrete type.
func (a *Allocator) Allocate(initialCapacity, maxCapacity int) (*PooledBuffer, error) {
	return a.newBuffer(a.nextShared(), a.shared, initialCapacity, maxCapacity)
}

func (a *Allocator) nextShared() *Arena {
	return a.arenas[(a.rr.Add(1)-1)%uint32(len(a.arenas))]
}

func checkCapacities(initialCapacity, maxCapacity int) error {
	if initialCapacity < 0 || maxCapacity < 0 || initialCapacity > maxCapacity {
		return api.Errorf(api.ErrCodeIllegalArgument,
			"pool: initialCapacity: %d (expected: 0-maxCapacity(%d))", initialCapacity, maxCapacity)
	}
	return nil
}

func (a *Allocator) newBuffer(arena *Arena, rec *Recycler[*shell], initialCapacity, maxCapacity int) (*PooledBuffer, error) {
	if a.closed.Load() {
		return nil, api.ErrAllocatorClosed
	}
	if err := checkCapacities(initialCapacity, maxCapacity); err != nil {
		return nil, err
	}
	reg, err := a.newRegion(arena, initialCapacity)
	if err != nil {
		return nil, err
	}
	b := rec.Get().init(a, reg, initialCapacity, maxCapacity, rec)
	a.active.Add(1)
	return b, nil
}

// newRegion carves n bytes from arena, or from unpooled memory when the
// arena signals a fallback.
func (a *Allocator) newRegion(arena *Arena, n int) (region, error) {
	reg := region{home: arena}
	if n == 0 {
		return reg, nil
	}
	chunk, run, mem, err := arena.allocateRun(n)
	if err == nil {
		reg.arena, reg.chunk, reg.run, reg.mem = arena, chunk, run, mem
		return reg, nil
	}
	if !IsFallback(err) {
		return reg, err
	}
	mem, err = a.allocateUnpooled(n)
	if err != nil {
		return reg, err
	}
	a.fallbacks.Add(1)
	if a.logger.Core().Enabled(zap.DebugLevel) {
		a.logger.Debug("pool: unpooled fallback", zap.Int("bytes", n), zap.Int("arena", arena.index))
	}
	reg.mem = mem
	return reg, nil
}

// maxUnpooledRegion caps a single unpooled region even when the budget is
// unlimited; larger requests fail instead of aborting the process.
const maxUnpooledRegion int64 = 1 << 32

func (a *Allocator) allocateUnpooled(n int) ([]byte, error) {
	size := int64(n)
	for {
		used := a.unpooled.Load()
		if size > maxUnpooledRegion || (a.unpooledLimit > 0 && size > a.unpooledLimit-used) {
			a.exhausted.Add(1)
			a.logger.Warn("pool: resource exhausted", zap.Int("bytes", n), zap.Int64("limit", a.unpooledLimit))
			return nil, api.Errorf(api.ErrCodeResourceExhausted,
				"pool: unpooled budget exhausted allocating %d bytes", n).
				WithContext("limit", a.unpooledLimit)
		}
		if a.unpooled.CompareAndSwap(used, used+size) {
			return make([]byte, n), nil
		}
	}
}

func (a *Allocator) freeRegion(r region) {
	switch {
	case r.pooled():
		if err := r.arena.Release(r.chunk, r.run); err != nil {
			a.logger.Error("pool: run release failed", zap.Error(err))
		}
	case len(r.mem) > 0:
		a.unpooled.Add(-int64(len(r.mem)))
	}
}

// Reallocate moves b to a new region of newCapacity bytes, copying
// [0, writerIndex) and freeing the old region. On failure b is unchanged.
func (a *Allocator) Reallocate(b *PooledBuffer, newCapacity int) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if newCapacity < b.capacity {
		return api.Errorf(api.ErrCodeIllegalArgument,
			"pool: newCapacity %d below capacity %d", newCapacity, b.capacity)
	}
	if newCapacity > b.maxCapacity {
		return api.Errorf(api.ErrCodeIndexOutOfRange,
			"pool: newCapacity %d exceeds maxCapacity %d", newCapacity, b.maxCapacity)
	}
	home := b.region.home
	if home == nil {
		home = a.nextShared()
	}
	reg, err := a.newRegion(home, newCapacity)
	if err != nil {
		return err
	}
	copy(reg.mem, b.region.mem[:b.writerIndex])
	a.freeRegion(b.region)
	b.region = reg
	b.capacity = newCapacity
	return nil
}

// Bind returns the binding of worker id, creating it on first use.
// The worker is pinned to the arena with the fewest bindings. Once the
// affinity table is full, new workers get an unrecorded binding that
// allocates from the shared arenas round-robin.
func (a *Allocator) Bind(id api.WorkerID) *Binding {
	if b, ok := a.bindings.Load(id); ok {
		return b
	}
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	if b, ok := a.bindings.Load(id); ok {
		return b
	}
	b := &Binding{id: id, alloc: a, recycler: a.newRecycler()}
	if a.bindings.Len() >= a.cfg.AffinityTableSize {
		a.logger.Debug("pool: affinity table full, using shared arenas", zap.Stringer("worker", id))
		return b
	}
	b.arena = a.leastBoundArena()
	b.arena.bindings.Add(1)
	b.recorded.Store(true)
	a.bindings.LoadOrStore(id, b)
	a.logger.Debug("pool: worker bound", zap.Stringer("worker", id), zap.Int("arena", b.arena.index))
	return b
}

// Unbind removes worker id from the affinity table.
func (a *Allocator) Unbind(id api.WorkerID) {
	a.bindMu.Lock()
	defer a.bindMu.Unlock()
	b, ok := a.bindings.Delete(id)
	if !ok {
		return
	}
	b.arena.bindings.Add(-1)
	b.recorded.Store(false)
	b.recycler.Drain()
	rs := b.recycler.Stats()
	a.retiredHits.Add(rs.Hits)
	a.retiredMisses.Add(rs.Misses)
	a.retiredDrops.Add(rs.Drops)
	a.logger.Debug("pool: worker unbound", zap.Stringer("worker", id))
}

// Lookup returns the recorded binding of id, if any.
func (a *Allocator) Lookup(id api.WorkerID) (*Binding, bool) {
	return a.bindings.Load(id)
}

func (a *Allocator) leastBoundArena() *Arena {
	best := a.arenas[0]
	for _, ar := range a.arenas[1:] {
		if ar.bindings.Load() < best.bindings.Load() {
			best = ar
		}
	}
	return best
}

// Trim releases idle chunks of every arena.
func (a *Allocator) Trim() {
	for _, ar := range a.arenas {
		ar.Trim()
	}
}

// Close stops new allocations. Idle chunks are released immediately;
// chunks still holding live buffers are released with their last buffer.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, ar := range a.arenas {
		ar.close()
	}
	a.shared.Drain()
	a.logger.Info("pool: allocator closed", zap.Int64("activeBuffers", a.active.Load()))
	return nil
}

// Stats returns an accounting snapshot.
func (a *Allocator) Stats() api.AllocatorStats {
	s := api.AllocatorStats{
		RecycleHits:   a.retiredHits.Load(),
		RecycleMisses: a.retiredMisses.Load(),
		RecycleDrops:  a.retiredDrops.Load(),
		Arenas:        len(a.arenas),
		ActiveBuffers: a.active.Load(),
		UnpooledBytes: a.unpooled.Load(),
		Fallbacks:     a.fallbacks.Load(),
		Exhausted:     a.exhausted.Load(),
		BoundWorkers:  a.bindings.Len(),
	}
	for _, ar := range a.arenas {
		as := ar.Stats()
		s.Chunks += as.Chunks
		s.IdleChunks += as.IdleChunks
		s.ChunkBytes += as.ChunkBytes
		s.UsedBytes += as.UsedBytes
		s.ArenaStats = append(s.ArenaStats, as)
	}
	add := func(rs RecyclerStats) {
		s.RecycleHits += rs.Hits
		s.RecycleMisses += rs.Misses
		s.RecycleDrops += rs.Drops
	}
	add(a.shared.Stats())
	a.bindings.Range(func(_ api.WorkerID, b *Binding) bool {
		add(b.recycler.Stats())
		return true
	})
	return s
}

// Binding is the allocation handle of one worker: its arena and its
// private wrapper recycler.
type Binding struct {
	id       api.WorkerID
	alloc    *Allocator
	arena    *Arena // nil when allocating from shared arenas
	recycler *Recycler[*shell]
	recorded atomic.Bool
}

var _ api.BufferAllocator = (*Binding)(nil)

// ID returns the worker identity.
func (b *Binding) ID() api.WorkerID { return b.id }

// Arena returns the pinned arena, or nil for a shared binding.
func (b *Binding) Arena() *Arena { return b.arena }

// Recorded reports whether the binding is held in the affinity table.
func (b *Binding) Recorded() bool { return b.recorded.Load() }

// NewBuffer allocates from the worker's arena.
func (b *Binding) NewBuffer(initialCapacity, maxCapacity int) (api.ByteBuffer, error) {
	buf, err := b.Allocate(initialCapacity, maxCapacity)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Allocate is NewBuffer returning the concrete type.
func (b *Binding) Allocate(initialCapacity, maxCapacity int) (*PooledBuffer, error) {
	arena := b.arena
	if arena == nil {
		arena = b.alloc.nextShared()
	}
	return b.alloc.newBuffer(arena, b.recycler, initialCapacity, maxCapacity)
}

// RecyclerStats returns the counters of the worker's recycler.
func (b *Binding) RecyclerStats() RecyclerStats { return b.recycler.Stats() }
