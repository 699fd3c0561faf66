package learnedindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyToUint64DigitParsing(t *testing.T) {
	cases := []struct {
		key  string
		want uint64
		ok   bool
	}{
		{"123", 123, true},
		{"000123", 123, true},
		{"0", 0, true},
		{"", 0, false},
		{"user-42", 0, false},
		{"42abc", 0, false},
	}
	for _, c := range cases {
		got, ok := KeyToUint64([]byte(c.key))
		require.Equal(t, c.ok, ok, "key %q", c.key)
		if ok {
			require.Equal(t, c.want, got, "key %q", c.key)
		}
	}
}

func TestFileIndexLearnAndGetPosition(t *testing.T) {
	fi := NewFileIndex(1, 0)
	keys := make([]uint64, 1000)
	for i := range keys {
		keys[i] = uint64(i * 10)
	}
	require.True(t, fi.Fill(keys))
	require.True(t, fi.Learn())
	require.True(t, fi.Learned())

	lower, upper, ok := fi.GetPosition(500)
	require.True(t, ok)
	require.LessOrEqual(t, lower, uint64(50))
	require.GreaterOrEqual(t, upper, uint64(50))
}

// TestFileIndexGetPositionCoversDuplicateCluster confirms the widened
// upper bound actually contains every row of a duplicate-key cluster
// larger than the trained error bound.
func TestFileIndexGetPositionCoversDuplicateCluster(t *testing.T) {
	const clusterSize = 50
	keys := make([]uint64, 0, clusterSize+10)
	for i := 0; i < 10; i++ {
		keys = append(keys, uint64(i*10))
	}
	clusterStart := len(keys)
	for i := 0; i < clusterSize; i++ {
		keys = append(keys, 100)
	}
	clusterEnd := len(keys) - 1
	keys = append(keys, 500)

	fi := NewFileIndex(1, 0)
	require.True(t, fi.Fill(keys))
	require.True(t, fi.Learn())

	lower, upper, ok := fi.GetPosition(100)
	require.True(t, ok)
	require.LessOrEqual(t, lower, uint64(clusterStart))
	require.GreaterOrEqual(t, upper, uint64(clusterEnd))
}

func TestFileIndexLearnDeclinesOnEmptyBuffer(t *testing.T) {
	fi := NewFileIndex(1, 0)
	require.False(t, fi.Fill(nil))
	require.False(t, fi.Learn())
	require.False(t, fi.Learned())
}
