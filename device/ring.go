package device

import "sync"

// ring keeps the most recent samples of a stream. Writers are the device
// reader goroutine, readers are Fetch callers.
type ring struct {
	mu       sync.Mutex
	data     [][]float64 // channel -> circular samples
	next     int
	size     int
	capacity int
	total    uint64
}

func newRing(channels, capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	r := &ring{data: make([][]float64, channels), capacity: capacity}
	for i := range r.data {
		r.data[i] = make([]float64, capacity)
	}
	return r
}

func (r *ring) push(sample []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.data {
		if ch < len(sample) {
			r.data[ch][r.next] = sample[ch]
		} else {
			r.data[ch][r.next] = 0
		}
	}
	r.next = (r.next + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
	r.total++
}

func (r *ring) sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// latest copies up to n of the newest samples, oldest first.
func (r *ring) latest(n int) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.size {
		n = r.size
	}
	if n < 0 {
		n = 0
	}
	out := make([][]float64, len(r.data))
	start := (r.next - n + r.capacity) % r.capacity
	for ch := range r.data {
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			col[i] = r.data[ch][(start+i)%r.capacity]
		}
		out[ch] = col
	}
	return out
}

func (r *ring) reset() {
	r.mu.Lock()
	r.next, r.size = 0, 0
	r.mu.Unlock()
}
