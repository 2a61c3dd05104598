package queues

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// overrideEntry stands in for the "expiresAtNano|targetKey" index keys
// internal/store.OverrideStore pushes into its ExpirationIndex, with the
// priority pulled back out as an int64 for ordering assertions.
type overrideEntry struct {
	targetKey string
	expiresAt int64
}

func overrideExtractor(item *overrideEntry) int64 {
	return item.expiresAt
}

// complexPriority is a struct used as a more complex priority type, covering
// extractors that return something other than a plain scalar.
type complexPriority struct {
	level    int
	subLevel string
}

// complexTestStruct is a struct using complexPriority.
type complexTestStruct struct {
	name     string
	priority complexPriority
}

// complexExtractor extracts complexPriority from complexTestStruct.
func complexExtractor(item *complexTestStruct) complexPriority {
	return item.priority
}

// complexMinComparator defines a min-heap ordering for complexPriority.
// It prioritizes lower level, then lexicographically smaller subLevel.
func complexMinComparator(a, b complexPriority) bool {
	if a.level != b.level {
		return a.level < b.level
	}
	return a.subLevel < b.subLevel
}

// complexMaxComparator defines a max-heap ordering for complexPriority.
// It prioritizes higher level, then lexicographically larger subLevel.
func complexMaxComparator(a, b complexPriority) bool {
	if a.level != b.level {
		return a.level > b.level
	}
	return a.subLevel > b.subLevel
}

func TestIndexedPriorityQueue_AddPop(t *testing.T) {
	testCases := []struct {
		name          string
		items         []*overrideEntry
		maxSize       int
		comparator    Comparator[int64]
		expectedOrder []string // targetKeys in expected pop order
		expectedSize  int
	}{
		{
			name: "earliest-expiry-first ordering, the shape OverrideStore relies on",
			items: []*overrideEntry{
				{targetKey: "fan-control.speed", expiresAt: 3},
				{targetKey: "relay-1.on", expiresAt: 1},
				{targetKey: "relay-2.on", expiresAt: 2},
			},
			maxSize:       UnboundedSize,
			comparator:    Min[int64],
			expectedOrder: []string{"relay-1.on", "relay-2.on", "fan-control.speed"},
			expectedSize:  3,
		},
		{
			name: "max-heap basic ordering",
			items: []*overrideEntry{
				{targetKey: "c", expiresAt: 3},
				{targetKey: "a", expiresAt: 1},
				{targetKey: "b", expiresAt: 2},
			},
			maxSize:       UnboundedSize,
			comparator:    Max[int64],
			expectedOrder: []string{"c", "b", "a"},
			expectedSize:  3,
		},
		{
			name: "eviction with maxSize (min-heap)",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 1}, // Should be evicted
				{targetKey: "c", expiresAt: 3},
				{targetKey: "b", expiresAt: 2},
			},
			maxSize:       2,
			comparator:    Min[int64],
			expectedOrder: []string{"b", "c"},
			expectedSize:  2,
		},
		{
			name: "re-adding the same expiry (override renewal at an identical timestamp) is ignored",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 1},
				{targetKey: "a-duplicate", expiresAt: 1},
			},
			maxSize:       5,
			comparator:    Min[int64],
			expectedOrder: []string{"a"},
			expectedSize:  1,
		},
		{
			name: "unbounded size",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 1},
				{targetKey: "b", expiresAt: 2},
				{targetKey: "c", expiresAt: 3},
				{targetKey: "d", expiresAt: 4},
			},
			maxSize:       UnboundedSize,
			comparator:    Min[int64],
			expectedOrder: []string{"a", "b", "c", "d"},
			expectedSize:  4,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			var opts []Option[*overrideEntry, int64]
			if tc.maxSize != UnboundedSize {
				opts = append(opts, WithMaxSize[*overrideEntry, int64](tc.maxSize))
			}

			q := NewIndexedPriorityQueue(tc.comparator, overrideExtractor, opts...)

			for _, item := range tc.items {
				q.Add(item)
			}

			require.Equal(tc.expectedSize, q.Size())

			poppedKeys := make([]string, 0)
			for {
				item, ok := q.Pop()
				if !ok {
					break
				}
				poppedKeys = append(poppedKeys, item.targetKey)
			}

			require.Equal(tc.expectedOrder, poppedKeys)
			require.True(q.IsEmpty())
		})
	}
}

func TestIndexedPriorityQueue_ComplexPriority(t *testing.T) {
	testCases := []struct {
		name          string
		items         []*complexTestStruct
		maxSize       int
		comparator    Comparator[complexPriority]
		expectedOrder []string // names in expected pop order
		expectedSize  int
	}{
		{
			name: "complex min-heap basic ordering",
			items: []*complexTestStruct{
				{name: "c", priority: complexPriority{level: 2, subLevel: "z"}},
				{name: "a", priority: complexPriority{level: 1, subLevel: "a"}},
				{name: "b", priority: complexPriority{level: 1, subLevel: "b"}},
				{name: "d", priority: complexPriority{level: 2, subLevel: "a"}},
			},
			maxSize:       UnboundedSize,
			comparator:    complexMinComparator,
			expectedOrder: []string{"a", "b", "d", "c"},
			expectedSize:  4,
		},
		{
			name: "complex max-heap basic ordering",
			items: []*complexTestStruct{
				{name: "c", priority: complexPriority{level: 2, subLevel: "z"}},
				{name: "a", priority: complexPriority{level: 1, subLevel: "a"}},
				{name: "b", priority: complexPriority{level: 1, subLevel: "b"}},
				{name: "d", priority: complexPriority{level: 2, subLevel: "a"}},
			},
			maxSize:       UnboundedSize,
			comparator:    complexMaxComparator,
			expectedOrder: []string{"c", "d", "b", "a"},
			expectedSize:  4,
		},
		{
			name: "complex eviction with maxSize (min-heap)",
			items: []*complexTestStruct{
				{name: "a", priority: complexPriority{level: 1, subLevel: "a"}}, // Should be evicted
				{name: "c", priority: complexPriority{level: 2, subLevel: "z"}},
				{name: "b", priority: complexPriority{level: 1, subLevel: "b"}},
			},
			maxSize:       2,
			comparator:    complexMinComparator,
			expectedOrder: []string{"b", "c"},
			expectedSize:  2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			var opts []Option[*complexTestStruct, complexPriority]
			if tc.maxSize != UnboundedSize {
				opts = append(opts, WithMaxSize[*complexTestStruct, complexPriority](tc.maxSize))
			}

			q := NewIndexedPriorityQueue(tc.comparator, complexExtractor, opts...)

			for _, item := range tc.items {
				q.Add(item)
			}

			require.Equal(tc.expectedSize, q.Size())

			poppedNames := make([]string, 0)
			for {
				item, ok := q.Pop()
				if !ok {
					break
				}
				poppedNames = append(poppedNames, item.name)
			}

			require.Equal(tc.expectedOrder, poppedNames)
			require.True(q.IsEmpty())
		})
	}
}

func TestIndexedPriorityQueue_Peek(t *testing.T) {
	require := require.New(t)
	q := NewIndexedPriorityQueue(Min[int64], overrideExtractor)

	_, ok := q.Peek()
	require.False(ok)

	q.Add(&overrideEntry{targetKey: "relay-2.on", expiresAt: 2})
	q.Add(&overrideEntry{targetKey: "relay-1.on", expiresAt: 1})

	item, ok := q.Peek()
	require.True(ok)
	require.Equal("relay-1.on", item.targetKey)

	// Peek must not remove the item.
	require.Equal(2, q.Size())
	item, ok = q.Peek()
	require.True(ok)
	require.Equal("relay-1.on", item.targetKey)
}

func TestIndexedPriorityQueue_PeekAt(t *testing.T) {
	require := require.New(t)
	q := NewIndexedPriorityQueue(Min[int64], overrideExtractor)

	_, ok := q.PeekAt(100)
	require.False(ok)

	itemA := &overrideEntry{targetKey: "relay-1.on", expiresAt: 1}
	itemB := &overrideEntry{targetKey: "fan-control.speed", expiresAt: 5}
	q.Add(itemA)
	q.Add(itemB)

	peekedItem, ok := q.PeekAt(5)
	require.True(ok)
	require.Equal("fan-control.speed", peekedItem.targetKey)
	require.Equal(2, q.Size())
}

func TestIndexedPriorityQueue_Remove(t *testing.T) {
	require := require.New(t)
	q := NewIndexedPriorityQueue(Min[int64], overrideExtractor)

	items := []*overrideEntry{
		{targetKey: "a", expiresAt: 1},
		{targetKey: "b", expiresAt: 2},
		{targetKey: "c", expiresAt: 3},
		{targetKey: "d", expiresAt: 4},
	}
	for _, item := range items {
		q.Add(item)
	}

	// An override was renewed/deleted out from under the sweeper: its old
	// expiry entry must come out of the index without disturbing the rest.
	q.Remove(3)
	require.Equal(3, q.Size())
	_, ok := q.PeekAt(3)
	require.False(ok, "removed entry should be gone from the index")

	expectedOrder := []string{"a", "b", "d"}
	poppedKeys := make([]string, 0)
	for {
		item, ok := q.Pop()
		if !ok {
			break
		}
		poppedKeys = append(poppedKeys, item.targetKey)
	}
	require.Equal(expectedOrder, poppedKeys)
}

func TestIndexedPriorityQueue_RemoveUpTo(t *testing.T) {
	testCases := []struct {
		name          string
		items         []*overrideEntry
		removeUpToP   int64
		expectedOrder []string // targetKeys remaining in queue, in pop order
	}{
		{
			name: "removes every entry expiring strictly before the cutoff",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 1},
				{targetKey: "b", expiresAt: 2},
				{targetKey: "c", expiresAt: 3},
				{targetKey: "d", expiresAt: 4},
			},
			removeUpToP:   3,
			expectedOrder: []string{"c", "d"},
		},
		{
			name: "remove all items",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 1},
				{targetKey: "b", expiresAt: 2},
			},
			removeUpToP:   10,
			expectedOrder: []string{},
		},
		{
			name: "nothing has expired yet",
			items: []*overrideEntry{
				{targetKey: "a", expiresAt: 10},
				{targetKey: "b", expiresAt: 20},
			},
			removeUpToP:   5,
			expectedOrder: []string{"a", "b"},
		},
		{
			name:          "sweep over an empty index",
			items:         []*overrideEntry{},
			removeUpToP:   100,
			expectedOrder: []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			q := NewIndexedPriorityQueue(Min[int64], overrideExtractor)
			for _, item := range tc.items {
				q.Add(item)
			}

			q.RemoveUpTo(tc.removeUpToP)

			remainingKeys := make([]string, 0)
			for {
				item, ok := q.Pop()
				if !ok {
					break
				}
				remainingKeys = append(remainingKeys, item.targetKey)
			}
			require.Equal(tc.expectedOrder, remainingKeys)
		})
	}
}

func TestIndexedPriorityQueue_ClearAndSize(t *testing.T) {
	require := require.New(t)
	q := NewIndexedPriorityQueue(Min[int64], overrideExtractor)

	require.Equal(0, q.Size())
	require.True(q.IsEmpty())

	q.Add(&overrideEntry{targetKey: "a", expiresAt: 1})
	q.Add(&overrideEntry{targetKey: "b", expiresAt: 2})
	require.Equal(2, q.Size())
	require.False(q.IsEmpty())

	q.Clear()
	require.Equal(0, q.Size())
	require.True(q.IsEmpty())

	_, ok := q.Pop()
	require.False(ok)
}

// TestIndexedPriorityQueue_StringKeyedLikeExpirationIndex exercises the
// queue with the exact (string, string) instantiation OverrideStore uses,
// where the priority key IS the stored item (an identity extractor over a
// "nanoTimestamp|targetKey" composite string).
func TestIndexedPriorityQueue_StringKeyedLikeExpirationIndex(t *testing.T) {
	require := require.New(t)
	q := NewIndexedPriorityQueue[string, string](Min[string], func(s string) string { return s })

	keyFor := func(nanos int64, targetKey string) string {
		return fmt.Sprintf("%020d|%s", nanos, targetKey)
	}

	q.Add(keyFor(300, "fan-control.speed"))
	q.Add(keyFor(100, "relay-1.on"))
	q.Add(keyFor(200, "relay-2.on"))

	item, ok := q.Pop()
	require.True(ok)
	require.Contains(item, "relay-1.on")
}
