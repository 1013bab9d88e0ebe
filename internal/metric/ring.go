package metric

import "sync"

// Ring is a bounded, mutex-guarded history of samples for one workload,
// newest first. Only the broker's ingestion path appends; only the
// controller's decision path reads — but the mutex guards against torn
// reads regardless of which goroutine calls when.
type Ring struct {
	mu       sync.Mutex
	samples  []Sample
	capacity int
}

// NewRing returns an empty ring with the given capacity (metric-buf-size).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// Push prepends s, evicting the oldest sample if the ring is full.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append([]Sample{s}, r.samples...)
	if len(r.samples) > r.capacity {
		r.samples = r.samples[:r.capacity]
	}
}

// Len reports the number of samples currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Latest returns the most recent sample and true, or the zero value and
// false if the ring is empty.
func (r *Ring) Latest() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return Sample{}, false
	}
	return r.samples[0], true
}

// Snapshot returns a copy of all samples, newest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Clear empties the ring, used before solorun profiling starts and after
// its mean is extracted.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
}

// Mean returns the elementwise mean of all raw-count fields across the
// current contents, and the per-sample interval unchanged (solorun samples
// are expected to share the same polling interval). ok is false on an
// empty ring.
func (r *Ring) Mean() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.samples)
	if n == 0 {
		return Sample{}, false
	}
	var sum Sample
	for _, s := range r.samples {
		sum.L2Miss += s.L2Miss
		sum.L3Miss += s.L3Miss
		sum.Instructions += s.Instructions
		sum.Cycles += s.Cycles
		sum.StallCycles += s.StallCycles
		sum.WallCycles += s.WallCycles
		sum.IntraCoh += s.IntraCoh
		sum.InterCoh += s.InterCoh
		sum.LLCOccupancy += s.LLCOccupancy
		sum.LocalMemByte += s.LocalMemByte
		sum.RemoteMemByte += s.RemoteMemByte
		sum.IntervalMS += s.IntervalMS
	}
	div := func(v uint64) uint64 { return v / uint64(n) }
	return Sample{
		L2Miss:        div(sum.L2Miss),
		L3Miss:        div(sum.L3Miss),
		Instructions:  div(sum.Instructions),
		Cycles:        div(sum.Cycles),
		StallCycles:   div(sum.StallCycles),
		WallCycles:    div(sum.WallCycles),
		IntraCoh:      div(sum.IntraCoh),
		InterCoh:      div(sum.InterCoh),
		LLCOccupancy:  div(sum.LLCOccupancy),
		LocalMemByte:  div(sum.LocalMemByte),
		RemoteMemByte: div(sum.RemoteMemByte),
		IntervalMS:    div(sum.IntervalMS),
	}, true
}
