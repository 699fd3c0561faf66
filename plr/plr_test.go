package plr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrainEmpty(t *testing.T) {
	segs, span := New(8).Train(nil)
	require.Nil(t, segs)
	require.Zero(t, span)
}

func TestTrainSingleSegmentLinear(t *testing.T) {
	keys := make([]uint64, 1000)
	for i := range keys {
		keys[i] = uint64(i * 10)
	}
	segs, span := New(8).Train(keys)
	require.NotEmpty(t, segs)
	require.Zero(t, span)

	// Append the terminating sentinel, as Learn() would.
	segs = append(segs, Segment{X: keys[len(keys)-1], K: 0, B: 0})

	for pos, key := range keys {
		predicted := predict(segs, key)
		require.LessOrEqual(t, math.Abs(predicted-float64(pos)), 8.0+1e-9,
			"key %d at position %d predicted %f", key, pos, predicted)
	}
}

func TestTrainBoundedErrorRandomWalk(t *testing.T) {
	n := 5000
	keys := make([]uint64, n)
	acc := uint64(0)
	for i := 0; i < n; i++ {
		acc += uint64(1 + (i%7)*3)
		keys[i] = acc
	}
	segs, span := New(8).Train(keys)
	require.Zero(t, span)
	segs = append(segs, Segment{X: keys[len(keys)-1], K: 0, B: 0})

	for pos, key := range keys {
		predicted := predict(segs, key)
		require.LessOrEqual(t, math.Abs(predicted-float64(pos)), 8.0+1e-9)
	}
}

func TestTrainDuplicateKeys(t *testing.T) {
	keys := []uint64{5, 5, 5, 5, 5}
	segs, span := New(8).Train(keys)
	require.NotEmpty(t, segs)
	require.Equal(t, uint64(4), span)
}

// TestTrainDuplicateClusterSpanCoversWholeCluster exercises a cluster wide
// enough that the plain error bound alone would miss its tail: every
// duplicate of key 100 predicts to the same position (the cluster's first
// member's), so only maxDuplicateSpan widening can still bound the last
// member's true position within [predicted-epsilon, predicted+epsilon+span].
func TestTrainDuplicateClusterSpanCoversWholeCluster(t *testing.T) {
	const clusterSize = 50 // far more than 2*epsilon
	keys := make([]uint64, 0, clusterSize+10)
	for i := 0; i < 10; i++ {
		keys = append(keys, uint64(i*10))
	}
	for i := 0; i < clusterSize; i++ {
		keys = append(keys, 100)
	}
	keys = append(keys, 500)

	segs, span := New(8).Train(keys)
	require.NotEmpty(t, segs)
	require.GreaterOrEqual(t, span, uint64(clusterSize-1))

	segs = append(segs, Segment{X: keys[len(keys)-1], K: 0, B: 0})

	clusterStart := 10
	clusterEnd := clusterStart + clusterSize - 1
	predicted := predict(segs, 100)
	for pos := clusterStart; pos <= clusterEnd; pos++ {
		// The widened window [predicted-eps, predicted+eps+span] must
		// contain every duplicate's true position.
		require.GreaterOrEqual(t, float64(pos), predicted-8.0-1e-9)
		require.LessOrEqual(t, float64(pos), predicted+8.0+float64(span)+1e-9)
	}
}

// predict mimics learnedindex.GetPosition's segment search + linear eval,
// used here only to validate the PLR's error bound in isolation.
func predict(segs []Segment, key uint64) float64 {
	left, right := 0, len(segs)-1
	for left < right-1 {
		mid := (left + right) / 2
		if key < segs[mid].X {
			right = mid
		} else {
			left = mid
		}
	}
	s := segs[left]
	return float64(key)*s.K + s.B
}
