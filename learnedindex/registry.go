package learnedindex

import "sync"

// Registry is the per-engine collection of FileIndex instances, one per
// live SSTable that has (or might get) a trained model. It is the
// equivalent of the original source's FileLearnedIndexData: a single place
// the table cache asks "do I have a model for this file" without each
// table cache entry owning its own index lifecycle.
type Registry struct {
	mu    sync.Mutex
	files map[uint64]*FileIndex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{files: make(map[uint64]*FileIndex)}
}

// GetModel returns the FileIndex for fileNumber, creating an empty one at
// the given level if none exists yet. Used by the write path (after a
// flush or compaction produces a new file) and by the arbiter-driven
// learning trigger.
func (reg *Registry) GetModel(fileNumber uint64, level int) *FileIndex {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	fi, ok := reg.files[fileNumber]
	if !ok {
		fi = NewFileIndex(fileNumber, level)
		reg.files[fileNumber] = fi
	}
	return fi
}

// GetModelForLookup returns the FileIndex for fileNumber only if one
// already exists, without allocating. The read path calls this so that a
// table with no model (or not yet decided by the arbiter) takes the
// classical path without the bookkeeping cost of creating an index it may
// never learn.
func (reg *Registry) GetModelForLookup(fileNumber uint64) *FileIndex {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.files[fileNumber]
}

// DeleteModel marks the file's index for deletion and drops it from the
// registry. Called when a compaction or drop removes the underlying
// SSTable; MarkDelete lets an in-flight Learn() finish without racing a
// freed segment slice.
func (reg *Registry) DeleteModel(fileNumber uint64) {
	reg.mu.Lock()
	fi, ok := reg.files[fileNumber]
	if ok {
		delete(reg.files, fileNumber)
	}
	reg.mu.Unlock()

	if ok {
		fi.MarkDelete()
	}
}

// Count returns the number of files currently tracked (learned or not),
// used by Stats.LearnedFiles reporting when filtered by Learned().
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.files)
}

// LearnedCount returns the number of tracked files with a trained model.
func (reg *Registry) LearnedCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := 0
	for _, fi := range reg.files {
		if fi.Learned() {
			n++
		}
	}
	return n
}
