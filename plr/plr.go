// Package plr implements a piecewise-linear regressor: it trains a
// sequence of segments y = k*x + b over a monotone sequence of
// (key_as_integer, position) pairs such that every point's predicted
// position is within epsilon of its true position.
//
// Trained with a fixed error bound using the standard "greedy slope
// range intersection" construction: each new point narrows a feasible
// slope interval for the current segment; when the interval goes empty
// the segment closes and a new one starts at that point.
package plr

import "math"

// Segment is one linear piece: y = K*x + B, valid starting at key X.
type Segment struct {
	X uint64
	K float64
	B float64
}

// PLR trains epsilon-bounded segments.
type PLR struct {
	Epsilon float64
}

// New returns a PLR trainer with the given error bound.
func New(epsilon float64) PLR {
	return PLR{Epsilon: epsilon}
}

// point is an internal (x, y) pair used while building a segment.
type point struct {
	x uint64
	y float64
}

// Train builds segments over keys, where keys[i] maps to position i (the
// flat sorted entry index). Keys must be non-decreasing. Training fails
// (nil, 0) on empty input; otherwise it returns at least one segment,
// sorted by X, WITHOUT the terminating dummy segment — callers append
// {X: last key, K: 0, B: 0} themselves once they know the file size.
//
// Genuine duplicate keys (several rows sharing the same key_as_integer,
// e.g. multiple versions of one user key) collapse to dx == 0 against a
// segment's anchor point and impose no slope constraint of their own:
// the anchor's predicted position stays fixed at the first duplicate's
// y regardless of how many further duplicates follow. A run of duplicates
// that the current segment cannot absorb whole is not split: the segment
// closes before the run's first row, which anchors the next segment.
// maxDuplicateSpan
// is the largest (last duplicate's y - anchor's y) seen across any one
// cluster, so callers can widen their predicted-position window by that
// amount and still be guaranteed to cover every row in the widest
// duplicate-key cluster the model was trained on.
func (p PLR) Train(keys []uint64) (segments []Segment, maxDuplicateSpan uint64) {
	n := len(keys)
	if n == 0 {
		return nil, 0
	}

	i := 0
	for i < n {
		start := point{x: keys[i], y: float64(i)}

		if i == n-1 {
			// Single trailing point: a flat segment anchored here.
			segments = append(segments, Segment{X: start.x, K: 0, B: start.y})
			break
		}

		// Slope bounds for the candidate segment, narrowed by every point
		// absorbed so far. Start unconstrained.
		lower := math.Inf(-1)
		upper := math.Inf(1)
		last := start
		j := i + 1

		for j < n {
			cur := point{x: keys[j], y: float64(j)}
			dx := float64(cur.x) - float64(start.x)
			if dx == 0 {
				if span := uint64(cur.y - start.y); span > maxDuplicateSpan {
					maxDuplicateSpan = span
				}
				last = cur
				j++
				continue
			}

			candLower := (cur.y - p.Epsilon - start.y) / dx
			candUpper := (cur.y + p.Epsilon - start.y) / dx

			newLower := math.Max(lower, candLower)
			newUpper := math.Min(upper, candUpper)

			if newLower > newUpper {
				// Adding cur would violate the error bound for some
				// earlier point: close the segment at `last`, start fresh
				// at cur.
				break
			}

			lower, upper = newLower, newUpper
			last = cur
			j++
		}

		// A run of equal keys is never split across two segments: restart
		// the next segment at the run's first row so every duplicate
		// collapses onto its anchor.
		if j < n && keys[j] == keys[j-1] {
			r := j
			for r > i+1 && keys[r-1] == keys[j] {
				r--
			}
			j = r
		}

		k := 0.0
		if !math.IsInf(lower, 0) && !math.IsInf(upper, 0) {
			k = (lower + upper) / 2
		} else if !math.IsInf(lower, 0) {
			k = lower
		} else if !math.IsInf(upper, 0) {
			k = upper
		}
		b := start.y - k*float64(start.x)

		segments = append(segments, Segment{X: start.x, K: k, B: b})

		_ = last
		i = j
	}

	return segments, maxDuplicateSpan
}
