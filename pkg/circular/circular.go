// Package circular provides a fixed-capacity buffer that overwrites its
// oldest slot once full. The worker execution loop uses it to keep track of
// a bounded number of in-flight submissions.
package circular

import "fmt"

// Array holds at most maxLength items. Once full, each Add overwrites the
// slot at the next cursor position.
type Array[T any] struct {
	items  []T
	max    int
	cursor int
}

// New creates an Array with the given capacity. A capacity <= 0 is rejected.
func New[T any](maxLength int) (*Array[T], error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("circular array capacity must be > 0, but was %d", maxLength)
	}
	return &Array[T]{
		items:  make([]T, 0, maxLength),
		max:    maxLength,
		cursor: -1,
	}, nil
}

// Add stores the item. While the array is below capacity the item is
// appended. Afterwards the cursor advances as (cursor+1) mod maxLength and
// the item replaces the occupant of that slot, which is returned along with
// true so that callers can still wait on it.
func (a *Array[T]) Add(item T) (evicted T, overwritten bool) {
	if len(a.items) < a.max {
		a.items = append(a.items, item)
		a.cursor = len(a.items) - 1
		return evicted, false
	}
	a.cursor = (a.cursor + 1) % a.max
	evicted = a.items[a.cursor]
	a.items[a.cursor] = item
	return evicted, true
}

// Len returns the number of occupied slots.
func (a *Array[T]) Len() int {
	return len(a.items)
}

// Cap returns the configured capacity.
func (a *Array[T]) Cap() int {
	return a.max
}

// Cursor returns the index of the most recently written slot, or -1 if
// nothing was added yet.
func (a *Array[T]) Cursor() int {
	return a.cursor
}

// Items returns a copy of the occupied slots in slot order.
func (a *Array[T]) Items() []T {
	res := make([]T, len(a.items))
	copy(res, a.items)
	return res
}

// Each calls fn for every occupied slot in slot order.
func (a *Array[T]) Each(fn func(T)) {
	for _, item := range a.items {
		fn(item)
	}
}
