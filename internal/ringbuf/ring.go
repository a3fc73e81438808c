// Package ringbuf provides a small fixed-capacity FIFO ring used to bound
// seen-signature sets: pushing into a full ring evicts the oldest element and
// hands it back so the caller can trim a companion lookup structure.
package ringbuf

// Ring is a bounded FIFO over T. The zero value is not usable; use New.
type Ring[T any] struct {
	data []T
	head int // index of oldest element
	size int
}

// New creates a ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v. If the ring is full the oldest element is evicted and
// returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.size == len(r.data) {
		old = r.data[r.head]
		r.data[r.head] = v
		r.head = (r.head + 1) % len(r.data)
		return old, true
	}
	r.data[(r.head+r.size)%len(r.data)] = v
	r.size++
	return old, false
}

// Len returns the number of elements currently held.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Walk calls fn for each element from oldest to newest.
func (r *Ring[T]) Walk(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.data[(r.head+i)%len(r.data)])
	}
}
