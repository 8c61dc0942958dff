package queue

import (
	"container/heap"
	"sync"
)

// Item is a single item in the priority queue
type Item[T any] struct {
	Value    T
	Priority int
	seq      uint64
	index    int
}

// priorityQueueHeap implements heap.Interface
type priorityQueueHeap[T any] []*Item[T]

// Len returns the length of the priority queue
func (pqh priorityQueueHeap[T]) Len() int {
	return len(pqh)
}

// Less compares two items in the priority queue.
// Lower priority values dequeue first; equal priorities dequeue in
// insertion order.
func (pqh priorityQueueHeap[T]) Less(i, j int) bool {
	if pqh[i].Priority != pqh[j].Priority {
		return pqh[i].Priority < pqh[j].Priority
	}
	return pqh[i].seq < pqh[j].seq
}

// Swap swaps two items in the priority queue
func (pqh priorityQueueHeap[T]) Swap(i, j int) {
	pqh[i], pqh[j] = pqh[j], pqh[i]
	pqh[i].index = i
	pqh[j].index = j
}

// Push adds an item to the priority queue
func (pqh *priorityQueueHeap[T]) Push(x interface{}) {
	n := len(*pqh)
	item := x.(*Item[T])
	item.index = n
	*pqh = append(*pqh, item)
}

// Pop removes and returns the highest priority item from the priority queue
func (pqh *priorityQueueHeap[T]) Pop() interface{} {
	old := *pqh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pqh = old[0 : n-1]
	return item
}

// PriorityQueue implements a thread-safe generic priority queue with
// stable ordering between items of equal priority.
type PriorityQueue[T any] struct {
	heap priorityQueueHeap[T]
	next uint64
	mu   sync.Mutex
}

// NewPriorityQueue creates a new priority queue
func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		heap: make(priorityQueueHeap[T], 0),
	}
	heap.Init(&pq.heap)
	return pq
}

// Len returns the length of the priority queue
func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue adds a value to the priority queue with the given priority
func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	item := &Item[T]{
		Value:    value,
		Priority: priority,
		seq:      pq.next,
	}
	pq.next++
	heap.Push(&pq.heap, item)
}

// Dequeue removes and returns the highest priority item from the queue
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}

	item := heap.Pop(&pq.heap).(*Item[T])
	return item.Value, true
}

// DequeueFunc removes and returns the highest priority item for which
// match returns true. Non-matching items keep their position.
func (pq *PriorityQueue[T]) DequeueFunc(match func(T) bool) (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	best := -1
	for i, item := range pq.heap {
		if !match(item.Value) {
			continue
		}
		if best == -1 || pq.heap.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		var zero T
		return zero, false
	}

	item := heap.Remove(&pq.heap, best).(*Item[T])
	return item.Value, true
}

// RemoveFunc removes every item for which match returns true and
// reports how many were removed.
func (pq *PriorityQueue[T]) RemoveFunc(match func(T) bool) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	removed := 0
	for i := 0; i < pq.heap.Len(); {
		if match(pq.heap[i].Value) {
			heap.Remove(&pq.heap, i)
			removed++
			continue
		}
		i++
	}
	return removed
}

// DequeueAll drains the queue in priority order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	items := make([]T, 0, pq.Len())
	for pq.Len() > 0 {
		item, _ := pq.Dequeue()
		items = append(items, item)
	}
	return items
}
