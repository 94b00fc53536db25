package reassembly

// freeList is a bounded LIFO of reusable values. It is not synchronized.
type freeList[T any] struct {
	items []T
	limit int
}

func newFreeList[T any](limit int) freeList[T] {
	return freeList[T]{
		items: make([]T, 0, limit),
		limit: limit,
	}
}

// get pops a value, or returns the zero value when the list is empty.
func (l *freeList[T]) get() T {
	var zero T
	n := len(l.items)
	if n == 0 {
		return zero
	}

	v := l.items[n-1]
	l.items[n-1] = zero
	l.items = l.items[:n-1]
	return v
}

// put pushes v unless the list is full.
func (l *freeList[T]) put(v T) {
	if len(l.items) >= l.limit {
		return
	}
	l.items = append(l.items, v)
}

func (l *freeList[T]) len() int {
	return len(l.items)
}
