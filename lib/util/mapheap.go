// Package util
//
// This file provides a priority queue that can also be addressed by key.
//
// The authoritative tier schedules every entry that carries an expiration time
// in one MapHeap per shard: the heap gives the garbage collector the entry that
// expires next in O(1), the index map lets a write reschedule or unschedule a
// key in O(log n) without scanning.
//
// Complexity:
//   - Peek: O(1)
//   - Set, Remove, PopMin: O(log n)
//   - Contains, Get: O(1)
//
// A MapHeap is not safe for concurrent use. Each shard's heap is only touched
// by that shard's garbage collector goroutine.
//
// Example usage:
//
//	h := NewMapHeap[string]()
//	h.Set("a", deadlineA)
//	h.Set("b", deadlineB)
//
//	for {
//	    it, ok := h.Peek()
//	    if !ok || it.Priority > now {
//	        break
//	    }
//	    h.Remove(it.Key)
//	    // expire it.Key
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is a single scheduled key.
type Item[K comparable] struct {
	Key      K
	Priority int64
	index    int
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap ordered by Priority with O(1) key lookup.
type MapHeap[K comparable] struct {
	items []*Item[K]
	index map[K]*Item[K]
}

// NewMapHeap creates an empty heap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items: make([]*Item[K], 0),
		index: make(map[K]*Item[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface (do not call directly, use the methods below)
// --------------------------------------------------------------------------

func (h *MapHeap[K]) Len() int { return len(h.items) }

func (h *MapHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap[K]) Push(x any) {
	it := x.(*Item[K])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.index[it.Key] = it
}

func (h *MapHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.index, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Key based API
// --------------------------------------------------------------------------

// Set schedules key with the given priority, replacing any previous priority.
func (h *MapHeap[K]) Set(key K, priority int64) {
	if it, ok := h.index[key]; ok {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &Item[K]{Key: key, Priority: priority})
}

// Remove unschedules key and returns its priority.
func (h *MapHeap[K]) Remove(key K) (int64, bool) {
	it, ok := h.index[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the smallest priority without removing it.
func (h *MapHeap[K]) Peek() (Item[K], bool) {
	if len(h.items) == 0 {
		return Item[K]{}, false
	}
	return *h.items[0], true
}

// PopMin removes and returns the item with the smallest priority.
func (h *MapHeap[K]) PopMin() (Item[K], bool) {
	if len(h.items) == 0 {
		return Item[K]{}, false
	}
	it := heap.Pop(h).(*Item[K])
	return *it, true
}

// Contains reports whether key is scheduled.
func (h *MapHeap[K]) Contains(key K) bool {
	_, ok := h.index[key]
	return ok
}

// Get returns the priority of key.
func (h *MapHeap[K]) Get(key K) (int64, bool) {
	it, ok := h.index[key]
	if !ok {
		return 0, false
	}
	return it.Priority, true
}

// Clear drops all scheduled keys.
func (h *MapHeap[K]) Clear() {
	h.items = h.items[:0]
	h.index = make(map[K]*Item[K])
}
