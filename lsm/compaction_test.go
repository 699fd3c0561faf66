package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTableFromEntries(t *testing.T, dir string, name string, entries []MemTableEntry) *SSTable {
	t.Helper()
	path := filepath.Join(dir, name)
	b, err := NewSSTableBuilder(path, len(entries), false)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, b.Add(e))
	}
	require.NoError(t, b.Finish())
	tbl, err := OpenSSTable(path, 0, 1)
	require.NoError(t, err)
	return tbl
}

func TestRunCompactionMergesAndDropsShadowedVersions(t *testing.T) {
	dir := t.TempDir()

	t1 := buildTableFromEntries(t, dir, "in1.ldb", []MemTableEntry{
		{Key: InternalKey{UserKey: []byte("a"), Sequence: 10, Kind: KindValue}, Locator: Locator{Offset: 1, Size: 1}},
		{Key: InternalKey{UserKey: []byte("c"), Sequence: 8, Kind: KindValue}, Locator: Locator{Offset: 2, Size: 1}},
	})
	t2 := buildTableFromEntries(t, dir, "in2.ldb", []MemTableEntry{
		{Key: InternalKey{UserKey: []byte("a"), Sequence: 5, Kind: KindValue}, Locator: Locator{Offset: 3, Size: 1}},
		{Key: InternalKey{UserKey: []byte("b"), Sequence: 6, Kind: KindValue}, Locator: Locator{Offset: 4, Size: 1}},
	})
	defer t1.Close()
	defer t2.Close()

	vs, err := OpenVersionSet(filepath.Join(dir, "vs"), 100, L0CompactionTrigger)
	require.NoError(t, err)

	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0755))

	outputs, err := RunCompaction(outDir, nil, []*SSTable{t1, t2}, true, 100, vs, DefaultCompactionOptions())
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	merged, err := OpenSSTable(filepath.Join(outDir, "000001.ldb"), 1, outputs[0].Number)
	require.NoError(t, err)
	defer merged.Close()
	require.Equal(t, uint64(3), merged.NumRows())

	loc, deleted, found, err := merged.Get([]byte("a"), 100)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, deleted)
	require.Equal(t, uint64(1), loc.Offset)
}

func TestRunCompactionDropsBottommostTombstoneBelowSnapshotFloor(t *testing.T) {
	dir := t.TempDir()

	tbl := buildTableFromEntries(t, dir, "in.ldb", []MemTableEntry{
		{Key: InternalKey{UserKey: []byte("a"), Sequence: 3, Kind: KindDeletion}, Deleted: true},
		{Key: InternalKey{UserKey: []byte("b"), Sequence: 4, Kind: KindValue}, Locator: Locator{Offset: 1, Size: 1}},
	})
	defer tbl.Close()

	vs, err := OpenVersionSet(filepath.Join(dir, "vs"), 100, L0CompactionTrigger)
	require.NoError(t, err)
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outDir, 0755))

	outputs, err := RunCompaction(outDir, nil, []*SSTable{tbl}, true, 10, vs, DefaultCompactionOptions())
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	merged, err := OpenSSTable(filepath.Join(outDir, "000001.ldb"), 1, outputs[0].Number)
	require.NoError(t, err)
	defer merged.Close()
	require.Equal(t, uint64(1), merged.NumRows())
}
