package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entry(key string, seq uint64, kind Kind, offset uint64) MemTableEntry {
	return MemTableEntry{
		Key:     InternalKey{UserKey: []byte(key), Sequence: seq, Kind: kind},
		Locator: Locator{Offset: offset, Size: 1},
		Deleted: kind == KindDeletion,
	}
}

func TestMergingIteratorOrdersByInternalKey(t *testing.T) {
	src1 := NewSliceIterator([]MemTableEntry{entry("a", 5, KindValue, 1), entry("c", 3, KindValue, 2)})
	src2 := NewSliceIterator([]MemTableEntry{entry("b", 4, KindValue, 3)})

	m := NewMergingIterator([]EntryIterator{src1, src2})
	out := drain(m)
	require.Len(t, out, 3)
	require.Equal(t, "a", string(out[0].Key.UserKey))
	require.Equal(t, "b", string(out[1].Key.UserKey))
	require.Equal(t, "c", string(out[2].Key.UserKey))
}

func TestMergingIteratorNewestVersionFirst(t *testing.T) {
	src1 := NewSliceIterator([]MemTableEntry{entry("k", 10, KindValue, 1)})
	src2 := NewSliceIterator([]MemTableEntry{entry("k", 5, KindValue, 2)})

	m := NewMergingIterator([]EntryIterator{src1, src2})
	out := drain(m)
	require.Len(t, out, 2)
	require.Equal(t, uint64(10), out[0].Key.Sequence)
	require.Equal(t, uint64(5), out[1].Key.Sequence)
}

func TestDedupVisibleIteratorHidesOlderVersionsAndTombstones(t *testing.T) {
	src := NewSliceIterator([]MemTableEntry{
		entry("a", 10, KindValue, 1),
		entry("a", 5, KindValue, 2),
		entry("b", 8, KindDeletion, 0),
		entry("b", 3, KindValue, 4),
	})
	dv := NewDedupVisibleIterator(src, 100)
	out := drain(dv)
	require.Len(t, out, 1)
	require.Equal(t, "a", string(out[0].Key.UserKey))
	require.Equal(t, uint64(10), out[0].Key.Sequence)
}

func TestDedupVisibleIteratorRespectsSnapshotSequence(t *testing.T) {
	src := NewSliceIterator([]MemTableEntry{
		entry("a", 10, KindValue, 1),
		entry("a", 5, KindValue, 2),
	})
	dv := NewDedupVisibleIterator(src, 6)
	out := drain(dv)
	require.Len(t, out, 1)
	require.Equal(t, uint64(5), out[0].Key.Sequence)
}
