package utils

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Distribution is an immutable sorted sample of float values.
type Distribution struct {
	sorted []float64
}

// NewDistribution copies and sorts values. NaN values are dropped.
func NewDistribution(values []float64) Distribution {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)
	return Distribution{sorted: sorted}
}

// Len returns the sample size.
func (d Distribution) Len() int { return len(d.sorted) }

// Percentile returns the p-quantile (p in [0,1]) using linear interpolation
// between closest ranks, pos = p*(n-1). Returns 0 for an empty sample.
func (d Distribution) Percentile(p float64) float64 {
	n := len(d.sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return d.sorted[0]
	}
	if p >= 1 {
		return d.sorted[n-1]
	}
	pos := p * float64(n-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return d.sorted[lower]
	}
	frac := pos - float64(lower)
	return d.sorted[lower] + (d.sorted[upper]-d.sorted[lower])*frac
}

// Rank returns the fraction of samples less than or equal to v.
func (d Distribution) Rank(v float64) float64 {
	n := len(d.sorted)
	if n == 0 {
		return 0
	}
	idx := sort.Search(n, func(i int) bool { return d.sorted[i] > v })
	return float64(idx) / float64(n)
}

// LatencyTracker stores recent duration samples and computes percentiles.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	maxSize int
}

// NewLatencyTracker creates a tracker keeping the latest maxSize samples.
func NewLatencyTracker(maxSize int) *LatencyTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &LatencyTracker{maxSize: maxSize}
}

// Observe records a new duration, overwriting the oldest one once full.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) < l.maxSize {
		l.samples = append(l.samples, float64(d))
		return
	}
	l.samples[l.next] = float64(d)
	l.next = (l.next + 1) % l.maxSize
}

// Percentile returns the p-quantile (p in [0,1]) of recorded durations.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	dist := NewDistribution(l.samples)
	l.mu.Unlock()
	return time.Duration(dist.Percentile(p))
}

// Count returns number of samples recorded.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}
