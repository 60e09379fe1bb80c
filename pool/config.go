// File: pool/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Allocator geometry and policy knobs.

package pool

import (
	"runtime"

	"github.com/momentics/hioload-mem/api"
)

// Config holds parameters immutable per allocator.
type Config struct {
	PageSize          int   // Page granularity of chunk runs; power of two
	PagesPerChunk     int   // Pages per chunk; chunk size = PageSize * PagesPerChunk
	NumArenas         int   // Number of arenas shared among workers
	MaxChunksPerArena int   // Upper bound of chunks per arena (0 = unbounded)
	MaxIdleChunks     int   // Fully free chunks kept mapped per arena before reclamation
	AffinityTableSize int   // Max workers recorded in the affinity registry
	RegistryShards    int   // Shards of the affinity registry
	RecyclerCapacity  int   // Wrapper shells kept per recycler (0 disables recycling)
	MaxUnpooledBytes  int64 // Budget for unpooled fallback allocations (0 = unbounded, single regions still capped at 4 GiB)
	UseMmap           bool  // Back chunks with mapped memory where supported
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		PageSize:          4 * 1024, // 4 KiB pages
		PagesPerChunk:     2048,     // 8 MiB chunks
		NumArenas:         runtime.GOMAXPROCS(0),
		MaxChunksPerArena: 64,
		MaxIdleChunks:     1,
		AffinityTableSize: 1024,
		RegistryShards:    16,
		RecyclerCapacity:  256,
		MaxUnpooledBytes:  1 << 30, // 1 GiB
		UseMmap:           true,
	}
}

// ChunkSize returns the size in bytes of one chunk.
func (c Config) ChunkSize() int {
	return c.PageSize * c.PagesPerChunk
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0:
		return api.Errorf(api.ErrCodeIllegalArgument, "pool: page size %d is not a positive power of two", c.PageSize)
	case c.PagesPerChunk <= 0:
		return api.Errorf(api.ErrCodeIllegalArgument, "pool: pages per chunk must be positive, got %d", c.PagesPerChunk)
	case c.NumArenas <= 0:
		return api.Errorf(api.ErrCodeIllegalArgument, "pool: arena count must be positive, got %d", c.NumArenas)
	case c.MaxChunksPerArena < 0, c.MaxIdleChunks < 0, c.AffinityTableSize < 0,
		c.RegistryShards < 0, c.RecyclerCapacity < 0, c.MaxUnpooledBytes < 0:
		return api.NewError(api.ErrCodeIllegalArgument, "pool: negative limit in configuration").
			WithContext("config", c)
	}
	return nil
}
