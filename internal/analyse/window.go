// Package analyse holds the sliding-window statistics the quality controller
// consults before upgrading.
package analyse

// Window is a fixed-capacity FIFO of samples. When full, adding a sample
// evicts the oldest one. It is not safe for concurrent use; analysers live on
// the player loop.
type Window[T any] struct {
	data     []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest element
}

// NewWindow creates a window holding up to capacity samples.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity <= 0 {
		panic("analyse: window capacity must be positive")
	}
	return &Window[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends a sample, evicting the oldest when full.
func (w *Window[T]) Add(v T) {
	w.data[w.head] = v
	w.head = (w.head + 1) % w.capacity
	if w.size < w.capacity {
		w.size++
	} else {
		w.tail = (w.tail + 1) % w.capacity
	}
}

// Values returns the samples oldest first.
func (w *Window[T]) Values() []T {
	if w.size == 0 {
		return nil
	}
	out := make([]T, w.size)
	cur := w.tail
	for i := 0; i < w.size; i++ {
		out[i] = w.data[cur]
		cur = (cur + 1) % w.capacity
	}
	return out
}

// Recent returns up to n samples, most recent first.
func (w *Window[T]) Recent(n int) []T {
	n = min(n, w.size)
	out := make([]T, n)
	pos := (w.head - 1 + w.capacity) % w.capacity
	for i := 0; i < n; i++ {
		out[i] = w.data[pos]
		pos = (pos - 1 + w.capacity) % w.capacity
	}
	return out
}

// Last returns the newest sample.
func (w *Window[T]) Last() (T, bool) {
	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.data[(w.head-1+w.capacity)%w.capacity], true
}

func (w *Window[T]) Len() int   { return w.size }
func (w *Window[T]) Cap() int   { return w.capacity }
func (w *Window[T]) Full() bool { return w.size == w.capacity }

// Clear empties the window.
func (w *Window[T]) Clear() {
	var zero T
	for i := range w.data {
		w.data[i] = zero
	}
	w.size, w.head, w.tail = 0, 0, 0
}
