package metrics

import (
	"math"
	"sort"
)

// window is a fixed-capacity ring of the most recent duration samples.
type window struct {
	buf  []int64
	next int
	full bool
}

func newWindow(capacity int) *window {
	return &window{buf: make([]int64, 0, capacity)}
}

func (w *window) add(v int64) {
	if len(w.buf) < cap(w.buf) {
		w.buf = append(w.buf, v)
		return
	}
	w.buf[w.next] = v
	w.next = (w.next + 1) % cap(w.buf)
	w.full = true
}

func (w *window) snapshot() []int64 {
	out := make([]int64, len(w.buf))
	copy(out, w.buf)
	return out
}

// Percentile computes the nearest-rank percentile of samples: the
// smallest value below which at least p percent of observations fall.
// Returns 0 for an empty sample set.
func Percentile(samples []int64, p float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
