package rangefinder

import (
	"sync"

	"github.com/parcelworks/sortbot/internal/state"
)

// pointRing is a bounded FIFO of range points. When full, pushing evicts the
// oldest point: this is a live-telemetry stream, so recency beats
// completeness.
type pointRing struct {
	mu    sync.Mutex
	buf   []state.RangePoint
	head  int // index of oldest element
	count int
}

func newPointRing(capacity int) *pointRing {
	return &pointRing{buf: make([]state.RangePoint, capacity)}
}

func (r *pointRing) push(p state.RangePoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = p
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf) // evict oldest
	} else {
		r.count++
	}
}

// drain removes and returns up to max points, oldest first. It never blocks;
// callers tolerate fewer points than requested.
func (r *pointRing) drain(max int) []state.RangePoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if max < n {
		n = max
	}
	if n <= 0 {
		return nil
	}

	out := make([]state.RangePoint, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	return out
}

func (r *pointRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
