package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWALAppendReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	w, err := NewWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append([]byte("a"), 1, KindValue, Locator{Offset: 10, Size: 5}))
	require.NoError(t, w.Append([]byte("b"), 2, KindDeletion, Locator{}))
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	w2, err := NewWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("a"), entries[0].UserKey)
	require.Equal(t, uint64(1), entries[0].Sequence)
	require.Equal(t, KindValue, entries[0].Kind)
	require.Equal(t, Locator{Offset: 10, Size: 5}, entries[0].Locator)

	require.Equal(t, []byte("b"), entries[1].UserKey)
	require.Equal(t, KindDeletion, entries[1].Kind)
}

func TestWALReadAllEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	defer w.Close()

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWALToleratesTornFinalRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.log")
	w, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("a"), 1, KindValue, Locator{Offset: 1, Size: 1}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := NewWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
