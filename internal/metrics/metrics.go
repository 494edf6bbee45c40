// Package metrics collects per-operation latency and error counters for the
// telemetry surface. Collection is always-on and cheap; the percentile math
// runs only when a snapshot is requested.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// sampleRingSize bounds the per-operation latency samples kept for
// percentile estimation.
const sampleRingSize = 512

// Registry tracks call counts, error counts, and recent latencies per
// operation name.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*opStats
}

type opStats struct {
	count   uint64
	errors  uint64
	samples []time.Duration // ring buffer
	next    int
	full    bool
}

// OpSnapshot is one operation's aggregated view.
type OpSnapshot struct {
	Count     uint64  `json:"count"`
	Errors    uint64  `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Millis float64 `json:"p50_ms"`
	P95Millis float64 `json:"p95_ms"`
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*opStats)}
}

// Observe records one completed call of op.
func (r *Registry) Observe(op string, elapsed time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ops[op]
	if !ok {
		s = &opStats{samples: make([]time.Duration, sampleRingSize)}
		r.ops[op] = s
	}
	s.count++
	if failed {
		s.errors++
	}
	s.samples[s.next] = elapsed
	s.next++
	if s.next == sampleRingSize {
		s.next = 0
		s.full = true
	}
}

// Timer returns a stop function that records the elapsed time when called.
func (r *Registry) Timer(op string) func(failed bool) {
	start := time.Now()
	return func(failed bool) {
		r.Observe(op, time.Since(start), failed)
	}
}

// Snapshot returns per-operation aggregates keyed by operation name.
func (r *Registry) Snapshot() map[string]OpSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OpSnapshot, len(r.ops))
	for name, s := range r.ops {
		n := s.next
		if s.full {
			n = sampleRingSize
		}
		sorted := make([]time.Duration, n)
		copy(sorted, s.samples[:n])
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		snap := OpSnapshot{Count: s.count, Errors: s.errors}
		if s.count > 0 {
			snap.ErrorRate = float64(s.errors) / float64(s.count)
		}
		if n > 0 {
			snap.P50Millis = millis(percentile(sorted, 0.50))
			snap.P95Millis = millis(percentile(sorted, 0.95))
		}
		out[name] = snap
	}
	return out
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
