// Package health aggregates per-subsystem probes for the gateway's /health
// endpoint. Probes are registered once at startup and run in registration
// order on every check.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one subsystem's probe result.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Probe reports the current health of one subsystem. Probes must be fast;
// the registry passes a deadline-bound context and does not enforce it.
type Probe func(ctx context.Context) (healthy bool, detail string)

// Registry runs named probes and aggregates their results.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// Register adds a probe under a name. Re-registering a name replaces the
// probe but keeps its original position.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.names = append(r.names, name)
	}
	r.probes[name] = probe
}

// CheckAll runs every probe and reports the aggregate: healthy only when
// all probes are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		probes[name] = p
	}
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		start := time.Now()
		healthy, detail := probes[name](ctx)
		statuses = append(statuses, Status{
			Name:      name,
			Healthy:   healthy,
			Detail:    detail,
			LatencyMS: time.Since(start).Milliseconds(),
		})
		if !healthy {
			all = false
		}
	}
	return all, statuses
}
