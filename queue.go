package sockio

// queue is a growable FIFO ring buffer.
type queue[T any] struct {
	buf  []T
	head int
	size int
}

func (q *queue[T]) Len() int { return q.size }

func (q *queue[T]) push(v T) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = v
	q.size++
}

func (q *queue[T]) grow() {
	n := len(q.buf) * 2
	if n == 0 {
		n = 4
	}
	buf := make([]T, n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}

// peek returns the oldest element without removing it.
func (q *queue[T]) peek() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	return q.buf[q.head], true
}

// pop removes and returns the oldest element.
func (q *queue[T]) pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// drain removes every element, oldest first.
func (q *queue[T]) drain() []T {
	out := make([]T, 0, q.size)
	for q.size > 0 {
		v, _ := q.pop()
		out = append(out, v)
	}
	return out
}

// removeFunc removes the elements for which drop returns true, keeping the
// order of the rest, and returns the removed ones oldest first.
func (q *queue[T]) removeFunc(drop func(T) bool) []T {
	var removed []T
	n := q.size
	for i := 0; i < n; i++ {
		v, _ := q.pop()
		if drop(v) {
			removed = append(removed, v)
			continue
		}
		q.push(v)
	}
	return removed
}
