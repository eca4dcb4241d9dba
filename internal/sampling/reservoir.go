// Package sampling keeps bounded, uniformly random subsets of large observation streams.
package sampling

import (
	"math/rand/v2"
)

// Reservoir holds at most Max observations out of N seen.
//
// The first Max observations are always kept. The n-th observation after that
// replaces a uniformly chosen slot with probability Max/n, so every observation
// ends up retained with probability Max/N. Not safe for concurrent use; a
// Reservoir belongs to the worker that feeds it.
type Reservoir[T any] struct {
	max     int
	n       uint64
	samples []T
	rng     *rand.Rand
}

// New returns a reservoir keeping up to max samples. A nil rng uses a randomly
// seeded PCG source.
func New[T any](max int, rng *rand.Rand) *Reservoir[T] {
	if max < 0 {
		max = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	capHint := max
	if capHint > 4096 {
		capHint = 4096
	}
	return &Reservoir[T]{
		max:     max,
		samples: make([]T, 0, capHint),
		rng:     rng,
	}
}

// Add offers one observation to the reservoir.
func (r *Reservoir[T]) Add(v T) {
	r.n++
	if len(r.samples) < r.max {
		r.samples = append(r.samples, v)
		return
	}
	if r.max == 0 {
		return
	}
	// Keep with probability max/n by drawing a slot out of n.
	j := r.rng.Uint64N(r.n)
	if j < uint64(r.max) {
		r.samples[j] = v
	}
}

// N returns the number of observations offered, including discarded ones.
func (r *Reservoir[T]) N() uint64 { return r.n }

// Max returns the reservoir capacity.
func (r *Reservoir[T]) Max() int { return r.max }

// Len returns the number of stored samples, always min(N, Max).
func (r *Reservoir[T]) Len() int { return len(r.samples) }

// Samples returns the stored samples. The slice is owned by the reservoir.
func (r *Reservoir[T]) Samples() []T { return r.samples }

// Sampled reports whether observations have been discarded.
func (r *Reservoir[T]) Sampled() bool { return r.n > uint64(len(r.samples)) }

// Reset drops every sample and the observation count.
func (r *Reservoir[T]) Reset() {
	r.n = 0
	r.samples = r.samples[:0]
}

// MaxSamplesPerWorker splits a global sample budget across workers with a floor
// of 256 samples each.
func MaxSamplesPerWorker(workers int) int {
	const (
		budget = 1000000
		floor  = 256
	)
	if workers <= 0 {
		workers = 1
	}
	n := budget / workers
	if n < floor {
		return floor
	}
	return n
}
