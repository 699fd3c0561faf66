// RunCompaction drives a container/heap k-way merge over InternalKey rows
// via MergingIterator, applying snapshot-aware drop rules and sizing
// output files against a grandparent-boundary bound in addition to the
// usual min/max output size.
package lsm

import (
	"fmt"
	"os"
	"path/filepath"
)

// CompactionOptions bounds a compaction's output files.
type CompactionOptions struct {
	MaxOutputFileSize uint64
	MinOutputFileSize uint64
	TableCompressed   bool
	AllowedSeeksSeed  int
}

// DefaultCompactionOptions targets ~4-16MB output files, scaled up for
// fixed-width rows.
func DefaultCompactionOptions() CompactionOptions {
	return CompactionOptions{
		MaxOutputFileSize: 16 * 1024 * 1024,
		MinOutputFileSize: 4 * 1024 * 1024,
		AllowedSeeksSeed:  100,
	}
}

// RunCompaction executes c against the tables opened for its inputs,
// writing new tables for outputLevel into dataDir. smallestSnapshotSeq is
// the oldest sequence number any live snapshot still pins; entries
// superseded below it, and tombstones at or below it once they reach the
// bottommost level, are dropped. It returns the new files it created;
// callers are responsible for publishing a
// VersionEdit that adds them and removes the inputs.
func RunCompaction(dataDir string, c *Compaction, inputTables []*SSTable, isBottommostLevel bool, smallestSnapshotSeq uint64, vs *VersionSet, opts CompactionOptions) ([]*FileMetaData, error) {
	iterators := make([]EntryIterator, 0, len(inputTables))
	for _, t := range inputTables {
		it, err := t.NewIterator()
		if err != nil {
			return nil, fmt.Errorf("compaction: open iterator: %w", err)
		}
		iterators = append(iterators, it)
	}
	merged := NewMergingIterator(iterators)

	var boundary *GrandparentBoundaryHint
	if c != nil {
		boundary = NewGrandparentBoundaryHint(c.Grandparent)
	} else {
		boundary = NewGrandparentBoundaryHint(nil)
	}

	outputLevel := 1
	if c != nil {
		outputLevel = c.Level + 1
	}

	var (
		outputs        []*FileMetaData
		builder        *SSTableBuilder
		builderPath    string
		builderFileNum uint64
		haveLastAtKey  bool
		lastUserKey    []byte
		lastSeqForKey  uint64
		outputSmallest InternalKey
		outputLargest  InternalKey
		outputHasFirst bool
		prevOutputKey  []byte
	)

	finishOutput := func() error {
		if builder == nil {
			return nil
		}
		if err := builder.Finish(); err != nil {
			return err
		}
		meta := &FileMetaData{
			Number:          builderFileNum,
			Size:            fileSizeOrZero(builderPath),
			Smallest:        outputSmallest,
			Largest:         outputLargest,
			Compressed:      opts.TableCompressed,
			BlockNumEntries: defaultBlockNumEntries,
		}
		meta.SetAllowedSeeks(opts.AllowedSeeksSeed)
		outputs = append(outputs, meta)
		builder = nil
		outputHasFirst = false
		return nil
	}

	for {
		e, ok := merged.Next()
		if !ok {
			break
		}

		sameKey := haveLastAtKey && CompareUserKeys(e.Key.UserKey, lastUserKey) == 0
		if !sameKey {
			lastUserKey = append(lastUserKey[:0], e.Key.UserKey...)
			haveLastAtKey = true
			lastSeqForKey = maxSequence // no visible version emitted yet for this key
		}

		// Drop rule A: a version shadowed by one already kept for this key
		// at or below the smallest live snapshot is invisible to every
		// snapshot and can never be read again.
		if sameKey && lastSeqForKey <= smallestSnapshotSeq {
			continue
		}

		// Drop rule B: a tombstone at or below the smallest live snapshot,
		// once it reaches the bottommost level, has nothing left below it
		// to shadow and can be discarded outright.
		if e.Deleted && e.Key.Sequence <= smallestSnapshotSeq && isBottommostLevel {
			lastSeqForKey = e.Key.Sequence
			continue
		}

		lastSeqForKey = e.Key.Sequence

		if builder == nil {
			builderFileNum = vs.NewFileNumber()
			builderPath = filepath.Join(dataDir, fmt.Sprintf("%06d.ldb", builderFileNum))
			var err error
			builder, err = NewSSTableBuilder(builderPath, 1024, opts.TableCompressed)
			if err != nil {
				return nil, fmt.Errorf("compaction: new builder: %w", err)
			}
			prevOutputKey = nil
		}

		if err := builder.Add(e); err != nil {
			builder.Abort()
			return nil, fmt.Errorf("compaction: add: %w", err)
		}
		if !outputHasFirst {
			outputSmallest = e.Key
			outputHasFirst = true
		}
		outputLargest = e.Key

		shouldFinish := false
		size := uint64(builder.NumEntries()) * estimateEntryWidth(e)
		if opts.MaxOutputFileSize > 0 && size >= opts.MaxOutputFileSize {
			shouldFinish = true
		} else if opts.MinOutputFileSize > 0 && size >= opts.MinOutputFileSize && prevOutputKey != nil &&
			boundary.CrossesBoundary(prevOutputKey, e.Key.UserKey) {
			shouldFinish = true
		}
		prevOutputKey = append(prevOutputKey[:0], e.Key.UserKey...)

		if shouldFinish {
			if err := finishOutput(); err != nil {
				return nil, err
			}
		}
	}

	if err := finishOutput(); err != nil {
		return nil, err
	}

	reopened := make([]*FileMetaData, 0, len(outputs))
	for _, meta := range outputs {
		path := filepath.Join(dataDir, fmt.Sprintf("%06d.ldb", meta.Number))
		tbl, err := OpenSSTable(path, outputLevel, meta.Number)
		if err != nil {
			return nil, fmt.Errorf("compaction: reopen output: %w", err)
		}
		meta.EntryWidth = tbl.EntryWidth()
		meta.Size = fileSizeOrZero(path)
		tbl.Close()
		reopened = append(reopened, meta)
	}
	return reopened, nil
}

func estimateEntryWidth(e MemTableEntry) uint64 {
	return uint64(len(e.Key.UserKey) + fixedRowFixedPart)
}

func fileSizeOrZero(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}
