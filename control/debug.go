// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and probe reflector for internal inspection.

package control

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"

	"github.com/momentics/hioload-mem/api"
)

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

var _ api.Debug = (*DebugProbes)(nil)

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState runs every probe and returns the results by name. Probes run
// outside the registry lock, so a slow probe does not block registration.
func (dp *DebugProbes) DumpState() map[string]any {
	return dp.dump(nil)
}

func (dp *DebugProbes) dump(only map[string]bool) map[string]any {
	dp.mu.RLock()
	fns := make(map[string]func() any, len(dp.probes))
	for name, fn := range dp.probes {
		if only == nil || only[name] {
			fns[name] = fn
		}
	}
	dp.mu.RUnlock()

	out := make(map[string]any, len(fns))
	for name, fn := range fns {
		out[name] = fn()
	}
	return out
}

// RegisterPoolProbes exposes allocator and platform state.
func RegisterPoolProbes(dp *DebugProbes, src StatsSource) {
	dp.RegisterProbe("pool.stats", func() any { return src.Stats() })
	dp.RegisterProbe("platform.cpus", func() any { return runtime.NumCPU() })
	dp.RegisterProbe("platform.pagesize", func() any { return os.Getpagesize() })
	dp.RegisterProbe("runtime.goroutines", func() any { return runtime.NumGoroutine() })
}

// ServeHTTP writes the probe results as JSON. Repeated "probe" query
// parameters restrict the dump to the named probes.
func (dp *DebugProbes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var only map[string]bool
	if names := r.URL.Query()["probe"]; len(names) > 0 {
		only = make(map[string]bool, len(names))
		for _, n := range names {
			only[n] = true
		}
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dp.dump(only)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
