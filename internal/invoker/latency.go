package invoker

import (
	"slices"
	"sync"
	"time"
)

// windowSize is the number of recent calls kept per server.
const windowSize = 100

// latencyWindow keeps the outcome of the last N calls to one server in a ring
// buffer. All methods are safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	failed  []bool
	pos     int
	count   int   // samples written, capped at len(samples)
	total   int64 // calls recorded over the window's lifetime
	errors  int   // failed samples currently in the ring
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = windowSize
	}
	return &latencyWindow{
		samples: make([]time.Duration, size),
		failed:  make([]bool, size),
	}
}

// Record adds one call outcome, overwriting the oldest once the ring is full.
func (w *latencyWindow) Record(d time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == len(w.samples) && w.failed[w.pos] {
		w.errors--
	}
	w.samples[w.pos] = d
	w.failed[w.pos] = isError
	if isError {
		w.errors++
	}
	w.pos = (w.pos + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
	w.total++
}

// windowStats is a consistent read of a latencyWindow.
type windowStats struct {
	P50, P95, P99 time.Duration
	ErrorRate     float64
	Samples       int
	Total         int64
}

// Stats computes percentiles and the error rate over the current window.
func (w *latencyWindow) Stats() windowStats {
	w.mu.Lock()
	sorted := slices.Clone(w.samples[:w.count])
	st := windowStats{Samples: w.count, Total: w.total}
	if w.count > 0 {
		st.ErrorRate = float64(w.errors) / float64(w.count)
	}
	w.mu.Unlock()

	if len(sorted) == 0 {
		return st
	}
	slices.Sort(sorted)
	st.P50 = percentile(sorted, 0.50)
	st.P95 = percentile(sorted, 0.95)
	st.P99 = percentile(sorted, 0.99)
	return st
}

// percentile returns the nearest-rank value at q of a sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}
