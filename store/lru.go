package store

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// lru orders IDLE entries from least to most recently used. Only entries
// with a zero reference count are ever listed.
//
// Callers hold the entry's mutex when pushing, removing or moving it, so the
// lock order is always entry then lru.
type lru struct {
	mu    sync.Mutex
	l     *list.List
	count atomic.Int64
	bytes atomic.Int64
}

func newLRU() *lru {
	return &lru{l: list.New()}
}

// pushBack marks e as the most recently used idle entry. e.mu must be held.
func (q *lru) pushBack(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem != nil {
		q.l.MoveToBack(e.elem)
		return
	}
	e.elem = q.l.PushBack(e)
	q.count.Add(1)
	q.bytes.Add(e.digest.SizeBytes)
}

// pushFront relists e as the least recently used entry. e.mu must be held.
func (q *lru) pushFront(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem != nil {
		q.l.MoveToFront(e.elem)
		return
	}
	e.elem = q.l.PushFront(e)
	q.count.Add(1)
	q.bytes.Add(e.digest.SizeBytes)
}

// touch moves a listed entry to the back. e.mu must be held.
func (q *lru) touch(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem != nil {
		q.l.MoveToBack(e.elem)
	}
}

// remove unlists e if listed. e.mu must be held.
func (q *lru) remove(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(e)
}

func (q *lru) removeLocked(e *entry) {
	if e.elem == nil {
		return
	}
	q.l.Remove(e.elem)
	e.elem = nil
	q.count.Add(-1)
	q.bytes.Add(-e.digest.SizeBytes)
}

// front returns the least recently used idle entry without locking it.
func (q *lru) front() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if el := q.l.Front(); el != nil {
		return el.Value.(*entry)
	}
	return nil
}

// removeIfFront unlists e only if it is still the least recently used entry.
// e.mu must be held.
func (q *lru) removeIfFront(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.elem == nil || q.l.Front() != e.elem {
		return false
	}
	q.removeLocked(e)
	return true
}

// order returns the listed entries in eviction order.
func (q *lru) order() []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*entry, 0, q.l.Len())
	for el := q.l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}
