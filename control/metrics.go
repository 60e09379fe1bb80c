// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collector exporting allocator accounting, read from
// Allocator.Stats at scrape time.

package control

import (
	"strconv"

	"github.com/momentics/hioload-mem/api"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource yields allocator snapshots.
type StatsSource interface {
	Stats() api.AllocatorStats
}

// PoolCollector implements prometheus.Collector over a StatsSource.
type PoolCollector struct {
	src StatsSource

	arenas        *prometheus.Desc
	chunks        *prometheus.Desc
	idleChunks    *prometheus.Desc
	chunkBytes    *prometheus.Desc
	usedBytes     *prometheus.Desc
	activeBuffers *prometheus.Desc
	unpooledBytes *prometheus.Desc
	fallbacks     *prometheus.Desc
	exhausted     *prometheus.Desc
	boundWorkers  *prometheus.Desc
	recycle       *prometheus.Desc

	arenaUsed     *prometheus.Desc
	arenaChunks   *prometheus.Desc
	arenaBindings *prometheus.Desc
	arenaAllocs   *prometheus.Desc
	arenaFrees    *prometheus.Desc
	arenaCreated  *prometheus.Desc
	arenaReclaims *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector with metric names under namespace.
func NewPoolCollector(namespace string, src StatsSource) *PoolCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "pool", n) }
	arena := []string{"arena"}
	return &PoolCollector{
		src:           src,
		arenas:        prometheus.NewDesc(name("arenas"), "Number of arenas.", nil, nil),
		chunks:        prometheus.NewDesc(name("chunks"), "Mapped chunks across arenas.", nil, nil),
		idleChunks:    prometheus.NewDesc(name("idle_chunks"), "Fully free chunks awaiting reclamation.", nil, nil),
		chunkBytes:    prometheus.NewDesc(name("chunk_bytes"), "Bytes mapped for chunks.", nil, nil),
		usedBytes:     prometheus.NewDesc(name("used_bytes"), "Chunk bytes bound to live buffers.", nil, nil),
		activeBuffers: prometheus.NewDesc(name("active_buffers"), "Buffers with a positive reference count.", nil, nil),
		unpooledBytes: prometheus.NewDesc(name("unpooled_bytes"), "Bytes held by unpooled fallback buffers.", nil, nil),
		fallbacks:     prometheus.NewDesc(name("fallbacks_total"), "Allocations served outside the arenas.", nil, nil),
		exhausted:     prometheus.NewDesc(name("exhausted_total"), "Allocations rejected for lack of memory.", nil, nil),
		boundWorkers:  prometheus.NewDesc(name("bound_workers"), "Workers recorded in the affinity table.", nil, nil),
		recycle:       prometheus.NewDesc(name("recycler_total"), "Wrapper recycler outcomes.", []string{"result"}, nil),

		arenaUsed:     prometheus.NewDesc(name("arena_used_bytes"), "Used chunk bytes per arena.", arena, nil),
		arenaChunks:   prometheus.NewDesc(name("arena_chunks"), "Mapped chunks per arena.", arena, nil),
		arenaBindings: prometheus.NewDesc(name("arena_bindings"), "Workers bound per arena.", arena, nil),
		arenaAllocs:   prometheus.NewDesc(name("arena_allocations_total"), "Run allocations per arena.", arena, nil),
		arenaFrees:    prometheus.NewDesc(name("arena_frees_total"), "Run frees per arena.", arena, nil),
		arenaCreated:  prometheus.NewDesc(name("arena_chunks_created_total"), "Chunks mapped per arena.", arena, nil),
		arenaReclaims: prometheus.NewDesc(name("arena_chunks_reclaimed_total"), "Chunks released per arena.", arena, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.arenas, c.chunks, c.idleChunks, c.chunkBytes, c.usedBytes,
		c.activeBuffers, c.unpooledBytes, c.fallbacks, c.exhausted,
		c.boundWorkers, c.recycle,
		c.arenaUsed, c.arenaChunks, c.arenaBindings, c.arenaAllocs,
		c.arenaFrees, c.arenaCreated, c.arenaReclaims,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.arenas, float64(s.Arenas))
	gauge(c.chunks, float64(s.Chunks))
	gauge(c.idleChunks, float64(s.IdleChunks))
	gauge(c.chunkBytes, float64(s.ChunkBytes))
	gauge(c.usedBytes, float64(s.UsedBytes))
	gauge(c.activeBuffers, float64(s.ActiveBuffers))
	gauge(c.unpooledBytes, float64(s.UnpooledBytes))
	counter(c.fallbacks, float64(s.Fallbacks))
	counter(c.exhausted, float64(s.Exhausted))
	gauge(c.boundWorkers, float64(s.BoundWorkers))
	counter(c.recycle, float64(s.RecycleHits), "hit")
	counter(c.recycle, float64(s.RecycleMisses), "miss")
	counter(c.recycle, float64(s.RecycleDrops), "drop")

	for _, a := range s.ArenaStats {
		idx := strconv.Itoa(a.Index)
		gauge(c.arenaUsed, float64(a.UsedBytes), idx)
		gauge(c.arenaChunks, float64(a.Chunks), idx)
		gauge(c.arenaBindings, float64(a.Bindings), idx)
		counter(c.arenaAllocs, float64(a.Allocs), idx)
		counter(c.arenaFrees, float64(a.Frees), idx)
		counter(c.arenaCreated, float64(a.ChunksCreated), idx)
		counter(c.arenaReclaims, float64(a.ChunksReclaimed), idx)
	}
}
