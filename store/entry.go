package store

import (
	"container/list"
	"hash/maphash"
	"sync"

	cascache "github.com/wolfeidau/cas-cache"
)

type entryState uint8

const (
	// statePending entries are reserved and indexed but their file is not yet in place.
	statePending entryState = iota
	stateLive
	// stateEvicted entries have been removed from the index; holders must look up again.
	stateEvicted
)

func (s entryState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateLive:
		return "live"
	default:
		return "evicted"
	}
}

// entry is the in-memory record for one cached digest.
//
// All mutable fields are guarded by mu. elem is additionally only changed
// while the LRU mutex is held, so it can be read under either lock.
type entry struct {
	digest cascache.Digest
	seq    uint64

	mu         sync.Mutex
	kind       cascache.Kind
	state      entryState
	refCount   int64
	lastAccess uint64
	elem       *list.Element
	// fresh is set while the publishing Put or Fetch is still returning.
	fresh bool
}

func (e *entry) key() string {
	return cascache.StorageKey(e.digest, e.kind)
}

// infoLocked snapshots the entry. e.mu must be held.
func (e *entry) infoLocked() *EntryInfo {
	return &EntryInfo{
		Digest:     e.digest,
		Kind:       e.kind,
		RefCount:   e.refCount,
		LastAccess: e.lastAccess,
		State:      e.state.String(),
	}
}

const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	entries map[cascache.Digest]*entry
}

// index maps digests to entries across independently locked shards.
type index struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

func newIndex() *index {
	idx := &index{seed: maphash.MakeSeed()}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[cascache.Digest]*entry)
	}
	return idx
}

func (idx *index) shardFor(d cascache.Digest) *shard {
	return &idx.shards[maphash.String(idx.seed, d.Hash)%shardCount]
}

func (idx *index) get(d cascache.Digest) *entry {
	s := idx.shardFor(d)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[d]
}

// insert adds e unless an entry for the digest already exists, in which case
// the existing entry is returned.
func (idx *index) insert(e *entry) (*entry, bool) {
	s := idx.shardFor(e.digest)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[e.digest]; ok {
		return existing, false
	}
	s.entries[e.digest] = e
	return e, true
}

// remove deletes e from the index if it is still the indexed entry for its digest.
func (idx *index) remove(e *entry) {
	s := idx.shardFor(e.digest)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.digest] == e {
		delete(s.entries, e.digest)
	}
}

// each calls fn for every indexed entry. fn must not call back into the index.
func (idx *index) each(fn func(e *entry)) {
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			fn(e)
		}
		s.mu.RUnlock()
	}
}
