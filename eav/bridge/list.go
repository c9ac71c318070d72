package bridge

import "iter"

// List is the ordered, indexable sequence handed to host callbacks
type List[T any] struct {
	items []T
}

// NewList builds a list holding items
func NewList[T any](items ...T) *List[T] {
	return &List[T]{items: items}
}

// Len returns the number of elements; a nil list is empty
func (l *List[T]) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// At returns the element at i, or false when i is out of range
func (l *List[T]) At(i int) (T, bool) {
	var zero T
	if l == nil || i < 0 || i >= len(l.items) {
		return zero, false
	}
	return l.items[i], true
}

// Append adds elements at the end
func (l *List[T]) Append(items ...T) {
	l.items = append(l.items, items...)
}

// All iterates the elements with their indexes
func (l *List[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; i < l.Len(); i++ {
			if !yield(i, l.items[i]) {
				return
			}
		}
	}
}

// Slice returns a copy of the elements
func (l *List[T]) Slice() []T {
	if l == nil {
		return nil
	}
	return append([]T(nil), l.items...)
}
