// Package monitor exposes lightweight process metrics for the metrics and
// system-status endpoints. It reads the Go runtime directly instead of
// pulling in a metrics framework.
package monitor

import (
	"runtime"
	"sync"
	"time"
)

// Source contributes one named group of component metrics to a snapshot,
// for example the gateway pool or the job queue.
type Source func() map[string]any

// Snapshot is one point-in-time view of the process.
type Snapshot struct {
	StartedAt   time.Time      `json:"started_at"`
	UptimeSec   int64          `json:"uptime_sec"`
	Goroutines  int            `json:"goroutines"`
	HeapAllocMB float64        `json:"heap_alloc_mb"`
	HeapSysMB   float64        `json:"heap_sys_mb"`
	NumGC       uint32         `json:"num_gc"`
	GoVersion   string         `json:"go_version"`
	Components  map[string]any `json:"components,omitempty"`
}

// Collector aggregates runtime stats and registered component sources.
type Collector struct {
	startedAt time.Time

	mu      sync.RWMutex
	sources map[string]Source
}

func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		sources:   make(map[string]Source),
	}
}

// RegisterSource adds a named component to every future snapshot.
func (c *Collector) RegisterSource(name string, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = s
}

// Snapshot gathers the current process state.
func (c *Collector) Snapshot() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	now := time.Now()
	snap := Snapshot{
		StartedAt:   c.startedAt,
		UptimeSec:   int64(now.Sub(c.startedAt).Seconds()),
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(m.HeapAlloc) / (1 << 20),
		HeapSysMB:   float64(m.HeapSys) / (1 << 20),
		NumGC:       m.NumGC,
		GoVersion:   runtime.Version(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sources) > 0 {
		snap.Components = make(map[string]any, len(c.sources))
		for name, src := range c.sources {
			snap.Components[name] = src()
		}
	}
	return snap
}
