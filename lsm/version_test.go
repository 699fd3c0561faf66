package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func ikey(s string, seq uint64) InternalKey {
	return InternalKey{UserKey: []byte(s), Sequence: seq, Kind: KindValue}
}

func TestVersionSetLogAndApplyAddsAndRemovesFiles(t *testing.T) {
	vs, err := OpenVersionSet(t.TempDir(), 100, L0CompactionTrigger)
	require.NoError(t, err)

	f1 := &FileMetaData{Number: 1, Size: 100, Smallest: ikey("a", 1), Largest: ikey("m", 1)}
	edit := NewVersionEdit()
	edit.AddFile(0, f1)
	require.NoError(t, vs.LogAndApply(edit))

	v := vs.Current()
	require.Len(t, v.Files[0], 1)
	vs.Release(v)

	edit2 := NewVersionEdit()
	edit2.DeleteFile(0, 1)
	f2 := &FileMetaData{Number: 2, Size: 100, Smallest: ikey("a", 1), Largest: ikey("m", 1)}
	edit2.AddFile(1, f2)
	require.NoError(t, vs.LogAndApply(edit2))

	v2 := vs.Current()
	require.Len(t, v2.Files[0], 0)
	require.Len(t, v2.Files[1], 1)
	vs.Release(v2)
}

func TestVersionSetRecoversFromManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	vs, err := OpenVersionSet(dir, 100, L0CompactionTrigger)
	require.NoError(t, err)

	f1 := &FileMetaData{Number: 5, Size: 100, Smallest: ikey("a", 1), Largest: ikey("z", 1)}
	edit := NewVersionEdit()
	edit.AddFile(2, f1)
	edit.LogNumber = 7
	require.NoError(t, vs.LogAndApply(edit))

	vs2, err := OpenVersionSet(dir, 100, L0CompactionTrigger)
	require.NoError(t, err)
	v := vs2.Current()
	require.Len(t, v.Files[2], 1)
	require.Equal(t, uint64(5), v.Files[2][0].Number)
	vs2.Release(v)
	require.Equal(t, uint64(6), vs2.NewFileNumber())
}

func TestSnapshotForBackupMatchesCurrentAndReplays(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	vs, err := OpenVersionSet(dir, 100, L0CompactionTrigger)
	require.NoError(t, err)

	f1 := &FileMetaData{Number: 1, Size: 100, Smallest: ikey("a", 1), Largest: ikey("m", 1)}
	edit := NewVersionEdit()
	edit.AddFile(0, f1)
	edit.LogNumber = 3
	require.NoError(t, vs.LogAndApply(edit))

	v, manifest, err := vs.SnapshotForBackup()
	require.NoError(t, err)
	defer vs.Release(v)
	require.Len(t, v.Files[0], 1)
	require.Equal(t, uint64(1), v.Files[0][0].Number)

	// A fresh VersionSet recovering solely from the snapshot bytes must
	// reproduce the same file set, independent of whatever further edits
	// the live MANIFEST goes on to record afterward.
	f2 := &FileMetaData{Number: 2, Size: 100, Smallest: ikey("n", 2), Largest: ikey("z", 2)}
	edit2 := NewVersionEdit()
	edit2.AddFile(1, f2)
	require.NoError(t, vs.LogAndApply(edit2))

	backupDir := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, os.MkdirAll(backupDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(backupDir, "MANIFEST"), manifest, 0644))

	restored, err := OpenVersionSet(backupDir, 100, L0CompactionTrigger)
	require.NoError(t, err)
	rv := restored.Current()
	require.Len(t, rv.Files[0], 1)
	require.Equal(t, uint64(1), rv.Files[0][0].Number)
	require.Len(t, rv.Files[1], 0)
	restored.Release(rv)
}

func TestLevelScoreL0UsesFileCount(t *testing.T) {
	v := &Version{}
	for i := 0; i < L0CompactionTrigger; i++ {
		v.Files[0] = append(v.Files[0], &FileMetaData{Number: uint64(i)})
	}
	require.InDelta(t, 1.0, v.LevelScore(0, L0CompactionTrigger), 0.001)
}

func TestLevelScoreLNUsesBytes(t *testing.T) {
	v := &Version{}
	v.Files[1] = append(v.Files[1], &FileMetaData{Size: levelMaxBytes[1]})
	require.InDelta(t, 1.0, v.LevelScore(1, L0CompactionTrigger), 0.001)
}

func TestPickCompactionLevelReturnsNegativeOneWhenNothingNeedsIt(t *testing.T) {
	v := &Version{}
	require.Equal(t, -1, v.PickCompactionLevel(L0CompactionTrigger))
}

func TestPickCompactionExpandsOverlappingNextLevel(t *testing.T) {
	v := &Version{}
	v.Files[1] = []*FileMetaData{{Number: 1, Smallest: ikey("c", 1), Largest: ikey("g", 1)}}
	v.Files[2] = []*FileMetaData{
		{Number: 2, Smallest: ikey("a", 1), Largest: ikey("d", 1)},
		{Number: 3, Smallest: ikey("e", 1), Largest: ikey("h", 1)},
		{Number: 4, Smallest: ikey("z", 1), Largest: ikey("zz", 1)},
	}

	c := v.PickCompaction(1, nil)
	require.NotNil(t, c)
	require.Len(t, c.Inputs, 1)
	require.Len(t, c.NextInputs, 2)
}

func TestPickCompactionDetectsTrivialMove(t *testing.T) {
	v := &Version{}
	v.Files[1] = []*FileMetaData{{Number: 1, Smallest: ikey("c", 1), Largest: ikey("g", 1)}}

	c := v.PickCompaction(1, nil)
	require.NotNil(t, c)
	require.True(t, c.TrivialMove)
}

func TestGrandparentBoundaryHintCrossesBoundary(t *testing.T) {
	h := NewGrandparentBoundaryHint([]*FileMetaData{
		{Largest: ikey("m", 1)},
	})
	require.True(t, h.CrossesBoundary([]byte("l"), []byte("n")))
	require.False(t, h.CrossesBoundary([]byte("a"), []byte("b")))
}

func TestAdvanceCompactPointerSeedsNextPick(t *testing.T) {
	vs, err := OpenVersionSet(t.TempDir(), 100, L0CompactionTrigger)
	require.NoError(t, err)

	edit := NewVersionEdit()
	edit.AddFile(1, &FileMetaData{Number: 1, Smallest: ikey("a", 1), Largest: ikey("b", 1)})
	edit.AddFile(1, &FileMetaData{Number: 2, Smallest: ikey("x", 1), Largest: ikey("y", 1)})
	require.NoError(t, vs.LogAndApply(edit))

	vs.AdvanceCompactPointer(1, []byte("b"))
	c := vs.PickCompaction(1)
	require.NotNil(t, c)
	require.Equal(t, uint64(2), c.Inputs[0].Number)
}

func TestRecordSeekExhaustsBudgetExactlyOnce(t *testing.T) {
	f := &FileMetaData{Number: 1}
	f.SetAllowedSeeks(2)
	require.False(t, f.RecordSeek())
	require.True(t, f.RecordSeek())
	require.False(t, f.RecordSeek(), "budget already exhausted, must not re-trigger")
}

func TestPickCompactionLevelFallsBackToSeekDrivenFile(t *testing.T) {
	vs, err := OpenVersionSet(t.TempDir(), 100, L0CompactionTrigger)
	require.NoError(t, err)

	f := &FileMetaData{Number: 9, Smallest: ikey("a", 1), Largest: ikey("z", 1)}
	f.SetAllowedSeeks(1)
	edit := NewVersionEdit()
	edit.AddFile(3, f)
	require.NoError(t, vs.LogAndApply(edit))

	require.Equal(t, -1, vs.PickCompactionLevel(), "no level score should trigger yet")

	vs.RecordSeek(3, f)
	require.Equal(t, 3, vs.PickCompactionLevel())
	require.Equal(t, -1, vs.PickCompactionLevel(), "fallback candidate is consumed by one pick")
}
