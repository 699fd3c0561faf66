// TableCache is a container/list LRU (cache map + list.Element lookup
// map + eviction from the back) over open SSTable handles, extended with
// the learned read path: a Get that, when a file's model is learned,
// predicts a row range instead of walking the index block.
package lsm

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/DICL/HyperBourbon/learnedindex"
)

// TableCache bounds the number of simultaneously open table file handles,
// evicting the least-recently-used entry when full.
type TableCache struct {
	mu       sync.Mutex
	dataDir  string
	capacity int
	lru      *list.List
	elems    map[uint64]*list.Element
	registry *learnedindex.Registry
}

type tableCacheEntry struct {
	fileNum uint64
	level   int
	table   *SSTable
}

// NewTableCache creates a cache bounded by capacity open tables (the
// engine passes Config.MaxOpenFiles), backed by registry for
// learned-model lookups.
func NewTableCache(dataDir string, capacity int, registry *learnedindex.Registry) *TableCache {
	if capacity < 1 {
		capacity = 1
	}
	return &TableCache{
		dataDir:  dataDir,
		capacity: capacity,
		lru:      list.New(),
		elems:    make(map[uint64]*list.Element),
		registry: registry,
	}
}

// open returns the open table for meta, opening (and caching) it if
// necessary, and evicting the least-recently-used entry if the cache is
// at capacity.
func (tc *TableCache) open(meta *FileMetaData, level int) (*SSTable, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if elem, ok := tc.elems[meta.Number]; ok {
		tc.lru.MoveToFront(elem)
		return elem.Value.(*tableCacheEntry).table, nil
	}

	path := tablePath(tc.dataDir, meta.Number)
	tbl, err := OpenSSTable(path, level, meta.Number)
	if err != nil {
		return nil, err
	}

	if tc.lru.Len() >= tc.capacity {
		back := tc.lru.Back()
		if back != nil {
			entry := back.Value.(*tableCacheEntry)
			entry.table.Close()
			delete(tc.elems, entry.fileNum)
			tc.lru.Remove(back)
		}
	}

	elem := tc.lru.PushFront(&tableCacheEntry{fileNum: meta.Number, level: level, table: tbl})
	tc.elems[meta.Number] = elem
	return tbl, nil
}

func tablePath(dataDir string, fileNum uint64) string {
	return fmt.Sprintf("%s/%06d.ldb", dataDir, fileNum)
}

// Evict closes and drops fileNum from the cache, used after a file is
// deleted by compaction garbage collection.
func (tc *TableCache) Evict(fileNum uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	elem, ok := tc.elems[fileNum]
	if !ok {
		return
	}
	elem.Value.(*tableCacheEntry).table.Close()
	delete(tc.elems, fileNum)
	tc.lru.Remove(elem)
}

// GetResult is what Get reports for a successful or not-found lookup.
type GetResult struct {
	Locator Locator
	Deleted bool
	Found   bool
	// ReadSeek is true when this lookup should count against the file's
	// allowed-seeks budget (read-triggered compaction); the learned path
	// never sets it, since its latency is already low enough not to
	// need the heuristic.
	ReadSeek bool
}

// Get performs a lookup against meta, taking the learned path when the
// file's model has finished training, and the classical index-block path
// otherwise.
func (tc *TableCache) Get(meta *FileMetaData, level int, userKey []byte, snapshotSeq uint64) (GetResult, error) {
	tbl, err := tc.open(meta, level)
	if err != nil {
		return GetResult{}, err
	}

	model := tc.registry.GetModelForLookup(meta.Number)
	if model == nil || !model.Learned() || tbl.Compressed() {
		loc, deleted, found, err := tbl.Get(userKey, snapshotSeq)
		if err != nil {
			return GetResult{}, err
		}
		return GetResult{Locator: loc, Deleted: deleted, Found: found, ReadSeek: true}, nil
	}

	return tc.getLearned(tbl, model, userKey, snapshotSeq)
}

// getLearned performs a lookup via the trained model: predict a row
// range, narrow to a candidate block, check the bloom filter, then scan
// the predicted row range for the newest visible version of userKey.
func (tc *TableCache) getLearned(tbl *SSTable, model *learnedindex.FileIndex, userKey []byte, snapshotSeq uint64) (GetResult, error) {
	target64, numOK := learnedindex.KeyToUint64(userKey)
	if !numOK {
		return GetResult{}, nil
	}
	lower, upper, ok := model.GetPosition(target64)
	if !ok || lower > model.MaxPosition() {
		return GetResult{}, nil
	}

	blockEntries := tbl.BlockNumEntries()
	if blockEntries == 0 {
		blockEntries = 1
	}
	iL := lower / blockEntries
	iU := upper / blockEntries

	blockIdx := iL
	if iL != iU {
		delimiter := tbl.IndexDelimiter(int(iU))
		if delimiter != nil && CompareUserKeys(userKey, delimiter) >= 0 {
			blockIdx = iU
		}
	}

	if !tbl.MayContain(userKey) {
		return GetResult{}, nil
	}

	if upper >= tbl.NumRows() {
		upper = tbl.NumRows() - 1
	}
	if lower > upper {
		return GetResult{}, nil
	}

	// Narrow to the disambiguated block: the predicted range may span two
	// block groups, but the delimiter check above already picked the one
	// blockIdx actually holding userKey.
	blockStart := blockIdx * blockEntries
	blockEnd := blockStart + blockEntries - 1
	if blockEnd >= tbl.NumRows() {
		blockEnd = tbl.NumRows() - 1
	}
	if blockStart > lower {
		lower = blockStart
	}
	if blockEnd < upper {
		upper = blockEnd
	}
	if lower > upper {
		return GetResult{}, nil
	}

	rows, err := tbl.ReadRows(lower, upper)
	if err != nil {
		return GetResult{}, err
	}

	i := sort.Search(len(rows), func(i int) bool {
		return CompareUserKeys(rows[i].Key.UserKey, userKey) >= 0
	})
	target := InternalKey{UserKey: userKey, Sequence: snapshotSeq, Kind: KindDeletion}
	for ; i < len(rows) && CompareUserKeys(rows[i].Key.UserKey, userKey) == 0; i++ {
		if rows[i].Key.Compare(target) >= 0 {
			return GetResult{Locator: rows[i].Locator, Deleted: rows[i].Deleted, Found: true}, nil
		}
	}
	return GetResult{}, nil
}

// Fill drains meta's table through the cache to populate model's key
// buffer ahead of training.
func (tc *TableCache) Fill(meta *FileMetaData, level int, model *learnedindex.FileIndex) error {
	tbl, err := tc.open(meta, level)
	if err != nil {
		return err
	}
	if tbl.Compressed() {
		return fmt.Errorf("table_cache: cannot fill a learned model from a compressed table")
	}
	rows, err := tbl.ReadRows(0, tbl.NumRows()-1)
	if err != nil {
		return err
	}
	keys := make([]uint64, len(rows))
	for i, r := range rows {
		k, ok := learnedindex.KeyToUint64(r.Key.UserKey)
		if !ok {
			// Non-numeric key: the model's monotonicity assumption does
			// not hold over this file's key space, so leave it untrained
			// and let every lookup fall back to the classical path.
			return nil
		}
		keys[i] = k
	}
	model.Fill(keys)
	return nil
}

// Close closes every cached table handle.
func (tc *TableCache) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, elem := range tc.elems {
		elem.Value.(*tableCacheEntry).table.Close()
	}
	tc.lru.Init()
	tc.elems = make(map[uint64]*list.Element)
}
