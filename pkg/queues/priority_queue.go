package queues

import (
	"cmp"
	"sync"
)

// UnboundedSize indicates an IndexedPriorityQueue has no capacity limit.
const UnboundedSize = 0

// Comparator reports whether a has higher priority than b, i.e. whether a
// should be popped before b.
type Comparator[P any] func(a, b P) bool

// Min returns a Comparator that pops the smallest value first.
func Min[P cmp.Ordered](a, b P) bool {
	return a < b
}

// Max returns a Comparator that pops the largest value first.
func Max[P cmp.Ordered](a, b P) bool {
	return a > b
}

// Option configures an IndexedPriorityQueue at construction time.
type Option[T any, P comparable] func(*IndexedPriorityQueue[T, P])

// WithMaxSize bounds the queue to n entries. Once full, adding a new entry
// evicts the oldest-inserted entry still present.
func WithMaxSize[T any, P comparable](n int) Option[T, P] {
	return func(q *IndexedPriorityQueue[T, P]) {
		q.maxSize = n
	}
}

// IndexedPriorityQueue is a priority queue keyed by a comparable priority
// value extracted from each item. Adding an item whose priority already
// exists in the queue is a no-op: priorities act as stable identities, not
// just sort keys. Lookups and removal by priority are O(1); Pop and Peek
// scan for the extreme element, which is acceptable for the small,
// low-churn queue (OverrideStore's expiration index) this type backs.
type IndexedPriorityQueue[T any, P comparable] struct {
	mu        sync.Mutex
	cmp       Comparator[P]
	extractor func(T) P
	maxSize   int

	items map[P]T
	order []P // insertion order, oldest first, used for eviction
}

// NewIndexedPriorityQueue constructs a queue ordered by cmp, using extractor
// to derive each item's priority key.
func NewIndexedPriorityQueue[T any, P comparable](cmp Comparator[P], extractor func(T) P, opts ...Option[T, P]) *IndexedPriorityQueue[T, P] {
	q := &IndexedPriorityQueue[T, P]{
		cmp:       cmp,
		extractor: extractor,
		items:     make(map[P]T),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Add inserts item. If an item with the same priority is already present,
// Add does nothing. If the queue is at maxSize, the oldest-inserted item is
// evicted first.
func (q *IndexedPriorityQueue[T, P]) Add(item T) {
	p := q.extractor(item)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[p]; exists {
		return
	}

	if q.maxSize != UnboundedSize && len(q.items) >= q.maxSize {
		q.evictOldestLocked()
	}

	q.items[p] = item
	q.order = append(q.order, p)
}

func (q *IndexedPriorityQueue[T, P]) evictOldestLocked() {
	if len(q.order) == 0 {
		return
	}
	oldest := q.order[0]
	q.order = q.order[1:]
	delete(q.items, oldest)
}

func (q *IndexedPriorityQueue[T, P]) removeFromOrderLocked(p P) {
	for i, candidate := range q.order {
		if candidate == p {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *IndexedPriorityQueue[T, P]) bestPriorityLocked() (P, bool) {
	var best P
	found := false
	for p := range q.items {
		if !found || q.cmp(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

// Pop removes and returns the highest-priority item, if any.
func (q *IndexedPriorityQueue[T, P]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best, ok := q.bestPriorityLocked()
	if !ok {
		var zero T
		return zero, false
	}
	item := q.items[best]
	delete(q.items, best)
	q.removeFromOrderLocked(best)
	return item, true
}

// Peek returns the highest-priority item without removing it.
func (q *IndexedPriorityQueue[T, P]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	best, ok := q.bestPriorityLocked()
	if !ok {
		var zero T
		return zero, false
	}
	return q.items[best], true
}

// PeekAt returns the item with the given priority, if present.
func (q *IndexedPriorityQueue[T, P]) PeekAt(priority P) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[priority]
	return item, ok
}

// Remove deletes the item with the given priority, if present.
func (q *IndexedPriorityQueue[T, P]) Remove(priority P) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.items, priority)
	q.removeFromOrderLocked(priority)
}

// RemoveUpTo removes every item whose priority sorts ahead of threshold
// under the queue's comparator (for a Min queue: every priority strictly
// less than threshold).
func (q *IndexedPriorityQueue[T, P]) RemoveUpTo(threshold P) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.items {
		if q.cmp(p, threshold) {
			delete(q.items, p)
			q.removeFromOrderLocked(p)
		}
	}
}

// Size returns the number of items currently in the queue.
func (q *IndexedPriorityQueue[T, P]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue has no items.
func (q *IndexedPriorityQueue[T, P]) IsEmpty() bool {
	return q.Size() == 0
}

// Clear removes all items from the queue.
func (q *IndexedPriorityQueue[T, P]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[P]T)
	q.order = nil
}
