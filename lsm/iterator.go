// MergingIterator drives a container/heap k-way merge over sources that
// each yield MemTableEntry rows in ascending InternalKey order —
// internal-key order already encodes recency (sequence descending), so
// the merge needs no separate "priority" tiebreak between sources.
package lsm

import "container/heap"

// EntryIterator yields MemTableEntry rows in ascending internal-key
// order.
type EntryIterator interface {
	Next() (MemTableEntry, bool)
}

type sliceIterator struct {
	entries []MemTableEntry
	idx     int
}

// NewSliceIterator wraps an already-sorted entry slice (a MemTable
// snapshot or a decoded SSTable block run) as an EntryIterator.
func NewSliceIterator(entries []MemTableEntry) EntryIterator {
	return &sliceIterator{entries: entries}
}

func (it *sliceIterator) Next() (MemTableEntry, bool) {
	if it.idx >= len(it.entries) {
		return MemTableEntry{}, false
	}
	e := it.entries[it.idx]
	it.idx++
	return e, true
}

type heapItem struct {
	entry    MemTableEntry
	source   int
	iterator EntryIterator
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := h[i].entry.Key.Compare(h[j].entry.Key); c != 0 {
		return c < 0
	}
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergingIterator merges several ascending-internal-key sources (newest
// source first on ties, so compaction never reorders records sharing a
// user key) into one ascending stream.
// Sources passed earlier win ties at equal internal key — in practice
// internal keys are already unique per (user_key, sequence), so ties only
// arise from duplicate rows across overlapping L0 files or a stale
// compaction input, and source order breaks them deterministically.
type MergingIterator struct {
	h *mergeHeap
}

// NewMergingIterator builds a merging iterator over sources, in priority
// order (sources[0] is preferred on exact-key ties).
func NewMergingIterator(sources []EntryIterator) *MergingIterator {
	h := &mergeHeap{}
	heap.Init(h)
	for i, src := range sources {
		if e, ok := src.Next(); ok {
			heap.Push(h, heapItem{entry: e, source: i, iterator: src})
		}
	}
	return &MergingIterator{h: h}
}

// Next returns the next entry in ascending internal-key order, or
// ok=false when all sources are exhausted.
func (m *MergingIterator) Next() (MemTableEntry, bool) {
	if m.h.Len() == 0 {
		return MemTableEntry{}, false
	}
	top := heap.Pop(m.h).(heapItem)
	if next, ok := top.iterator.Next(); ok {
		heap.Push(m.h, heapItem{entry: next, source: top.source, iterator: top.iterator})
	}
	return top.entry, true
}

// DedupVisibleIterator wraps a MergingIterator (or any EntryIterator
// already in internal-key order) and yields only the newest visible
// version of each user key at or below snapshotSeq, implementing the
// read-path "newest record with sequence <= snapshot" rule over a
// streaming source (used by Scan).
type DedupVisibleIterator struct {
	src         EntryIterator
	snapshotSeq uint64
	pendingKey  []byte
	have        bool
}

// NewDedupVisibleIterator wraps src for snapshot-filtered iteration.
func NewDedupVisibleIterator(src EntryIterator, snapshotSeq uint64) *DedupVisibleIterator {
	return &DedupVisibleIterator{src: src, snapshotSeq: snapshotSeq}
}

// drain collects every remaining entry from it, in order.
func drain(it EntryIterator) []MemTableEntry {
	var out []MemTableEntry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// Next returns the next visible (non-deleted, newest-at-snapshot) entry.
func (d *DedupVisibleIterator) Next() (MemTableEntry, bool) {
	for {
		e, ok := d.src.Next()
		if !ok {
			return MemTableEntry{}, false
		}
		if e.Key.Sequence > d.snapshotSeq {
			continue // not yet visible at this snapshot
		}
		if d.have && CompareUserKeys(e.Key.UserKey, d.pendingKey) == 0 {
			continue // an older version of a user key already emitted
		}
		d.pendingKey = append(d.pendingKey[:0], e.Key.UserKey...)
		d.have = true
		if e.Deleted {
			continue
		}
		return e, true
	}
}
