package learnedindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryGetModelCreatesOnce(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetModel(1, 0)
	b := reg.GetModel(1, 0)
	require.Same(t, a, b)
	require.Equal(t, 1, reg.Count())
}

func TestRegistryGetModelForLookupNoAlloc(t *testing.T) {
	reg := NewRegistry()
	require.Nil(t, reg.GetModelForLookup(42))
	require.Equal(t, 0, reg.Count())

	reg.GetModel(42, 3)
	require.NotNil(t, reg.GetModelForLookup(42))
}

func TestRegistryDeleteModel(t *testing.T) {
	reg := NewRegistry()
	fi := reg.GetModel(7, 1)
	keys := make([]uint64, 100)
	for i := range keys {
		keys[i] = uint64(i)
	}
	fi.Fill(keys)
	require.True(t, fi.Learn())

	reg.DeleteModel(7)
	require.Equal(t, 0, reg.Count())
	require.True(t, fi.Deleted())
}

func TestRegistryLearnedCount(t *testing.T) {
	reg := NewRegistry()
	fi1 := reg.GetModel(1, 0)
	reg.GetModel(2, 0)

	keys := []uint64{1, 2, 3, 4, 5}
	fi1.Fill(keys)
	fi1.Learn()

	require.Equal(t, 2, reg.Count())
	require.Equal(t, 1, reg.LearnedCount())
}
