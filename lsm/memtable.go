// MemTable is a sorted-slice table with binary-search insertion,
// ordered by InternalKey rather than by a single-version-per-key user
// key, so multiple sequence numbers of the same user key coexist for
// snapshot isolation.
package lsm

import (
	"sort"
	"sync"
)

// MemTableEntry is one internal-key row. Deleted entries carry no
// locator.
type MemTableEntry struct {
	Key     InternalKey
	Locator Locator
	Deleted bool
}

// MemTable is an in-memory ordered structure for recent writes, sorted by
// internal key (user_key ascending, sequence descending). Reference
// counted: Ref/Unref track whether a background flush still needs the
// table after it has been rotated out of the active slot.
type MemTable struct {
	mu      sync.RWMutex
	entries []MemTableEntry
	size    int
	refs    int
}

// NewMemTable creates an empty memtable with one implicit reference.
func NewMemTable() *MemTable {
	return &MemTable{entries: make([]MemTableEntry, 0, 1024), refs: 1}
}

func (m *MemTable) Ref() {
	m.mu.Lock()
	m.refs++
	m.mu.Unlock()
}

// Unref decrements the refcount and reports whether it reached zero.
func (m *MemTable) Unref() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	return m.refs == 0
}

func (m *MemTable) insert(e MemTableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Key.Compare(e.Key) >= 0
	})
	m.entries = append(m.entries, MemTableEntry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = e
	m.size += len(e.Key.UserKey) + locatorSize + 16
}

// Put records a Value entry at the given sequence.
func (m *MemTable) Put(userKey []byte, seq uint64, loc Locator) {
	key := make([]byte, len(userKey))
	copy(key, userKey)
	m.insert(MemTableEntry{Key: InternalKey{UserKey: key, Sequence: seq, Kind: KindValue}, Locator: loc})
}

// Delete records a tombstone at the given sequence.
func (m *MemTable) Delete(userKey []byte, seq uint64) {
	key := make([]byte, len(userKey))
	copy(key, userKey)
	m.insert(MemTableEntry{Key: InternalKey{UserKey: key, Sequence: seq, Kind: KindDeletion}, Deleted: true})
}

// Get returns the newest entry for userKey visible at or before
// snapshotSeq. found is false if no such entry exists in this table.
func (m *MemTable) Get(userKey []byte, snapshotSeq uint64) (loc Locator, deleted bool, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Entries with this user key occupy a contiguous run starting at the
	// first internal key >= (userKey, snapshotSeq, KindDeletion) — i.e. the
	// newest version at or before the snapshot, since sequence sorts
	// descending within a user key.
	target := InternalKey{UserKey: userKey, Sequence: snapshotSeq, Kind: KindDeletion}
	idx := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Key.Compare(target) >= 0
	})
	if idx >= len(m.entries) {
		return Locator{}, false, false
	}
	e := m.entries[idx]
	if CompareUserKeys(e.Key.UserKey, userKey) != 0 {
		return Locator{}, false, false
	}
	return e.Locator, e.Deleted, true
}

// Size returns the approximate memory footprint in bytes.
func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Entries returns a snapshot copy of all entries in internal-key order,
// for flushing to an SSTable or for building an iterator.
func (m *MemTable) Entries() []MemTableEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemTableEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries (including tombstones).
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
