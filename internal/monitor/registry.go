package monitor

import (
	"sync"
	"time"
)

// watch is the monitor's memory of one task between cycles.
type watch struct {
	pid          int
	sampled      bool
	lastCPU      time.Duration
	lastActivity time.Time
	// flagged is set while the current NeedsAttention was raised by the
	// monitor itself. Only flagged tasks are resumed automatically.
	flagged bool
}

// Registry holds per-task observation state for one Monitor.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*watch
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*watch)}
}

// Observation is the result of folding a new CPU sample into the registry.
type Observation struct {
	// Active is true when CPU time moved since the previous sample.
	Active bool
	// Sampled is false on the first sample for a task.
	Sampled bool
	Idle    time.Duration
	Flagged bool
}

// Observe records cpu for taskID at now. A pid change resets the entry.
func (r *Registry) Observe(taskID string, pid int, cpu time.Duration, now time.Time) Observation {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.entries[taskID]
	if !ok || w.pid != pid {
		r.entries[taskID] = &watch{pid: pid, sampled: true, lastCPU: cpu, lastActivity: now}
		return Observation{}
	}
	obs := Observation{Sampled: w.sampled, Flagged: w.flagged}
	if cpu != w.lastCPU {
		obs.Active = true
		w.lastCPU = cpu
		w.lastActivity = now
	}
	w.sampled = true
	obs.Idle = now.Sub(w.lastActivity)
	return obs
}

// SetFlagged marks whether the monitor owns the task's current attention.
func (r *Registry) SetFlagged(taskID string, flagged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.entries[taskID]; ok {
		w.flagged = flagged
	}
}

func (r *Registry) Flagged(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.entries[taskID]
	return ok && w.flagged
}

func (r *Registry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

// Retain drops every entry whose task id is not in keep.
func (r *Registry) Retain(keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.entries {
		if _, ok := keep[id]; !ok {
			delete(r.entries, id)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
