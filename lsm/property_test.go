package lsm

import (
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// fuzzOpKind enumerates the operation vocabulary driving the random
// sequence property below: put, delete, get, snapshot, release,
// compact_range, reopen.
type fuzzOpKind int

const (
	opPut fuzzOpKind = iota
	opDelete
	opGet
	opSnapshot
	opRelease
	opCompactRange
	opReopen
	numFuzzOpKinds
)

// TestRandomOperationSequenceMatchesOracle replays a generated sequence
// of put/delete/get/snapshot/release/compact_range/reopen operations
// against a real engine and a map-based oracle, requiring every get to
// agree with the oracle's current view of the key.
func TestRandomOperationSequenceMatchesOracle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	keyGen := gen.OneConstOf("k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9")
	kindGen := gen.IntRange(0, int(numFuzzOpKinds)-1)

	properties.Property("engine agrees with map oracle across a random op sequence", prop.ForAll(
		func(keys []string, kinds []int) bool {
			dir, err := os.MkdirTemp("", "hyperbourbon-prop-*")
			if err != nil {
				t.Fatalf("mkdtemp: %v", err)
			}
			defer os.RemoveAll(dir)

			cfg := DefaultConfig(dir)
			cfg.MemTableSizeThreshold = 4096
			e, err := Open(cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer e.Close()

			oracle := map[string]string{}
			var snaps []*Snapshot
			var snapOracle []map[string]string

			n := len(keys)
			if len(kinds) < n {
				n = len(kinds)
			}
			for i := 0; i < n; i++ {
				key := keys[i]
				kind := fuzzOpKind(kinds[i])
				switch kind {
				case opPut:
					value := key + "-value"
					if err := e.Put([]byte(key), []byte(value)); err != nil {
						return false
					}
					oracle[key] = value
				case opDelete:
					if err := e.Delete([]byte(key)); err != nil {
						return false
					}
					delete(oracle, key)
				case opGet:
					got, err := e.Get([]byte(key))
					want, ok := oracle[key]
					if !ok {
						if err == nil {
							return false
						}
						continue
					}
					if err != nil || string(got) != want {
						return false
					}
				case opSnapshot:
					snap := e.GetSnapshot()
					snaps = append(snaps, snap)
					frozen := make(map[string]string, len(oracle))
					for k, v := range oracle {
						frozen[k] = v
					}
					snapOracle = append(snapOracle, frozen)
				case opRelease:
					if len(snaps) > 0 {
						e.ReleaseSnapshot(snaps[0])
						snaps = snaps[1:]
						snapOracle = snapOracle[1:]
					}
				case opCompactRange:
					if err := e.CompactRange(nil, nil); err != nil {
						return false
					}
				case opReopen:
					if err := e.Close(); err != nil {
						return false
					}
					// snapshots held across an engine restart no longer
					// resolve to a live engine; drop them rather than
					// carry stale pointers into the reopened instance.
					snaps = nil
					snapOracle = nil
					reopened, err := Open(cfg)
					if err != nil {
						return false
					}
					e = reopened
				}
			}

			for idx, snap := range snaps {
				for k, want := range snapOracle[idx] {
					got, err := e.GetAt([]byte(k), snap.Seq())
					if err != nil || string(got) != want {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(30, keyGen),
		gen.SliceOfN(30, kindGen),
	))

	properties.TestingRun(t)
}
