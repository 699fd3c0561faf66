package arbiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldLearnBootstrapsWithInsufficientData(t *testing.T) {
	a := New(DefaultConfig(), 7)
	require.True(t, a.ShouldLearn(0), "insufficient data must default to allowing learning")
}

func TestShouldLearnNeverLearnPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = NeverLearn
	a := New(cfg, 7)
	require.False(t, a.ShouldLearn(0))
}

func TestShouldLearnAlwaysLearnPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = AlwaysLearn
	a := New(cfg, 7)
	require.True(t, a.ShouldLearn(0))
}

func TestShouldLearnRewardsFasterModelPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FileAverageLimit[1] = 1
	cfg.LookupAverageLimit = 5
	cfg.ConstSizeToCost = 1e-9
	a := New(cfg, 7)

	for i := 0; i < 5; i++ {
		a.AddLookupData(1, true, false, 1000) // baseline positive: slow
		a.AddLookupData(1, true, true, 100)   // model positive: fast
		a.AddLookupData(1, false, false, 1000)
		a.AddLookupData(1, false, true, 100)
	}
	a.AddFileData(1, 4096, 50, 10, 1)

	score, ok := a.Score(1)
	require.True(t, ok)
	require.Greater(t, score, 0.0)
	require.True(t, a.ShouldLearn(1))
}

func TestAddFileDataNegativeSignRemoves(t *testing.T) {
	a := New(DefaultConfig(), 7)
	a.AddFileData(2, 100, 5, 2, 1)
	a.AddFileData(2, 100, 5, 2, 1)
	a.AddFileData(2, 100, 5, 2, -1)

	a.mu.Lock()
	ls := a.levels[2]
	a.mu.Unlock()
	require.Equal(t, uint64(1), ls.fileCount)
	require.Equal(t, uint64(100), ls.totalFileSize)
}
