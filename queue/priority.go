package queue

import "container/heap"

// Comparator reports the dequeue order of a and b: a negative return means
// "a has higher dequeue priority than b". Instead of a custom comparator,
// NewPriorityByKey reads an int priority via the keyFn passed to it and
// treats smaller numbers as higher priority (min-heap), matching the
// observed behavior this spec adopts as the contract (see spec §9 Open
// Question).
type Comparator[T any] func(a, b T) int

type priorityHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func (h *priorityHeap[T]) Len() int            { return len(h.items) }
func (h *priorityHeap[T]) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *priorityHeap[T]) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *priorityHeap[T]) Push(x interface{})  { h.items = append(h.items, x.(T)) }
func (h *priorityHeap[T]) Pop() interface{} {
	old := h.items
	n := len(old)
	v := old[n-1]
	var zero T
	old[n-1] = zero
	h.items = old[:n-1]
	return v
}

// priority is a binary-heap-backed Queue: O(log n) push and pop. Tie-break
// order among equal-priority elements is unspecified.
type priority[T any] struct {
	h *priorityHeap[T]
}

// NewPriority returns a min-heap Queue keyed by cmp: the element for which
// cmp returns the smallest relative value dequeues first.
func NewPriority[T any](cmp Comparator[T]) Queue[T] {
	h := &priorityHeap[T]{less: func(a, b T) bool { return cmp(a, b) < 0 }}
	heap.Init(h)
	return &priority[T]{h: h}
}

// NewPriorityByKey returns a min-heap Queue ordered by the int priority
// keyFn extracts from each element: smaller numbers dequeue first.
func NewPriorityByKey[T any](keyFn func(T) int) Queue[T] {
	return NewPriority(func(a, b T) int { return keyFn(a) - keyFn(b) })
}

func (q *priority[T]) Push(v T) { heap.Push(q.h, v) }

func (q *priority[T]) Pop() (T, bool) {
	var zero T
	if q.h.Len() == 0 {
		return zero, false
	}
	return heap.Pop(q.h).(T), true
}

func (q *priority[T]) Size() int { return q.h.Len() }

func (q *priority[T]) Contains(pred func(T) bool) bool {
	for _, v := range q.h.items {
		if pred(v) {
			return true
		}
	}
	return false
}

func (q *priority[T]) Clear() []T {
	out := make([]T, 0, q.h.Len())
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}
