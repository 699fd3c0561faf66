// SSTable is a sorted table file laid out as data-blocks + index-block +
// bloom-filter + footer. Each row payload is an encoded InternalKey plus
// Locator rather than a raw key/value pair, and a table is built in one
// of two physical layouts selected by the Compressed flag:
//
//   - Compressed=false: a flat sequence of fixed-width rows, grouped into
//     blockNumEntries-sized "blocks" purely for classical-path indexing.
//     This is the layout the learned read path requires — row position
//     arithmetic needs every row to occupy the same number of bytes.
//   - Compressed=true: snappy-compressed variable-length blocks. The
//     learned path never applies to these tables; table_cache.go rejects
//     learned lookups against them and falls back to the classical path
//     unconditionally.
package lsm

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/golang/snappy"
)

const (
	sstableBlockSize = 4096
	sstableMagic     = 0x48594254 // "HYBT"
)

// indexEntry maps a block/group index to its first internal key and byte
// offset, the classical-path index block.
type indexEntry struct {
	FirstKey []byte
	Offset   uint64
}

// footerSize: indexOffset(8) filterOffset(8) metadataOffset(8) flags(1)
// blockNumEntries(8) entryWidth(8) magic(4).
const footerSize = 8 + 8 + 8 + 1 + 8 + 8 + 4

// SSTable is an open, immutable sorted table file.
type SSTable struct {
	file    *os.File
	path    string
	level   int
	fileNum uint64

	compressed      bool
	blockNumEntries uint64
	entryWidth      uint64 // 0 when compressed

	smallest InternalKey
	largest  InternalKey
	numRows  uint64

	index  []indexEntry
	filter *BloomFilter

	dataEnd uint64
}

// OpenSSTable opens path and loads its footer, index, and filter into
// memory: everything but data blocks is memory-resident after open.
func OpenSSTable(path string, level int, fileNum uint64) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	fileSize := stat.Size()
	if fileSize < footerSize {
		file.Close()
		return nil, fmt.Errorf("sstable: file too small")
	}

	footer := make([]byte, footerSize)
	if _, err := file.ReadAt(footer, fileSize-footerSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	filterOffset := binary.LittleEndian.Uint64(footer[8:16])
	metadataOffset := binary.LittleEndian.Uint64(footer[16:24])
	compressed := footer[24] == 1
	blockNumEntries := binary.LittleEndian.Uint64(footer[25:33])
	entryWidth := binary.LittleEndian.Uint64(footer[33:41])
	magic := binary.LittleEndian.Uint32(footer[41:45])
	if magic != sstableMagic {
		file.Close()
		return nil, fmt.Errorf("sstable: bad magic")
	}

	metaData := make([]byte, filterOffset-metadataOffset)
	if _, err := file.ReadAt(metaData, int64(metadataOffset)); err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: read metadata: %w", err)
	}
	smallest, largest, numRows, err := decodeSSTableMetadata(metaData)
	if err != nil {
		file.Close()
		return nil, err
	}

	filterData := make([]byte, int64(metadataOffset)-int64(filterOffset))
	if _, err := file.ReadAt(filterData, int64(filterOffset)); err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: read filter: %w", err)
	}
	filter := DecodeBloomFilter(filterData)

	indexData := make([]byte, int64(filterOffset)-int64(indexOffset))
	if _, err := file.ReadAt(indexData, int64(indexOffset)); err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	index, err := decodeSSTableIndex(indexData)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &SSTable{
		file:            file,
		path:            path,
		level:           level,
		fileNum:         fileNum,
		compressed:      compressed,
		blockNumEntries: blockNumEntries,
		entryWidth:      entryWidth,
		smallest:        smallest,
		largest:         largest,
		numRows:         numRows,
		index:           index,
		filter:          filter,
		dataEnd:         indexOffset,
	}, nil
}

func decodeSSTableMetadata(data []byte) (smallest, largest InternalKey, numRows uint64, err error) {
	if len(data) < 16 {
		return InternalKey{}, InternalKey{}, 0, fmt.Errorf("sstable: metadata too small")
	}
	smallestLen := binary.LittleEndian.Uint32(data[0:4])
	largestLen := binary.LittleEndian.Uint32(data[4:8])
	numRows = binary.LittleEndian.Uint64(data[8:16])
	offset := 16
	if len(data) < offset+int(smallestLen)+int(largestLen) {
		return InternalKey{}, InternalKey{}, 0, fmt.Errorf("sstable: metadata truncated")
	}
	smallest = DecodeInternalKey(data[offset : offset+int(smallestLen)])
	offset += int(smallestLen)
	largest = DecodeInternalKey(data[offset : offset+int(largestLen)])
	return smallest, largest, numRows, nil
}

func decodeSSTableIndex(data []byte) ([]indexEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("sstable: index too small")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	entries := make([]indexEntry, 0, n)
	offset := 4
	for i := uint32(0); i < n; i++ {
		if offset+12 > len(data) {
			return nil, fmt.Errorf("sstable: index truncated")
		}
		keyLen := binary.LittleEndian.Uint32(data[offset:])
		blockOffset := binary.LittleEndian.Uint64(data[offset+4:])
		offset += 12
		if offset+int(keyLen) > len(data) {
			return nil, fmt.Errorf("sstable: index truncated")
		}
		key := make([]byte, keyLen)
		copy(key, data[offset:offset+int(keyLen)])
		offset += int(keyLen)
		entries = append(entries, indexEntry{FirstKey: key, Offset: blockOffset})
	}
	return entries, nil
}

// Smallest/Largest/NumRows/Level/FileNum/Path/Compressed/BlockNumEntries/
// EntryWidth are the read-only accessors FileMetaData and the table
// cache need.
func (t *SSTable) Smallest() InternalKey   { return t.smallest }
func (t *SSTable) Largest() InternalKey    { return t.largest }
func (t *SSTable) NumRows() uint64         { return t.numRows }
func (t *SSTable) Level() int              { return t.level }
func (t *SSTable) FileNum() uint64         { return t.fileNum }
func (t *SSTable) Path() string            { return t.path }
func (t *SSTable) Compressed() bool        { return t.compressed }
func (t *SSTable) BlockNumEntries() uint64 { return t.blockNumEntries }
func (t *SSTable) EntryWidth() uint64      { return t.entryWidth }

// MayContain reports whether userKey could be present (bloom filter
// check).
func (t *SSTable) MayContain(userKey []byte) bool {
	return t.filter.MayContain(userKey)
}

// blockGroupForRow returns the index-entry index (block group) that the
// given flat row position falls within.
func (t *SSTable) blockGroupForRow(row uint64) int {
	if t.blockNumEntries == 0 {
		return 0
	}
	g := int(row / t.blockNumEntries)
	if g >= len(t.index) {
		g = len(t.index) - 1
	}
	return g
}

// ReadRows reads the fixed-width rows [lo, hi] (inclusive row positions)
// directly, without going through compressed block decoding — the
// learned read path's exactly-sized positioned read. Only valid for
// uncompressed tables.
func (t *SSTable) ReadRows(lo, hi uint64) ([]MemTableEntry, error) {
	if t.compressed {
		return nil, fmt.Errorf("sstable: ReadRows on a compressed table")
	}
	if hi >= t.numRows {
		hi = t.numRows - 1
	}
	if lo > hi {
		return nil, fmt.Errorf("sstable: empty row range")
	}
	n := hi - lo + 1
	buf := make([]byte, n*t.entryWidth)
	if _, err := t.file.ReadAt(buf, int64(lo*t.entryWidth)); err != nil {
		return nil, fmt.Errorf("sstable: read rows: %w", err)
	}
	out := make([]MemTableEntry, n)
	for i := uint64(0); i < n; i++ {
		out[i] = decodeFixedRow(buf[i*t.entryWidth:(i+1)*t.entryWidth], t.entryWidth)
	}
	return out, nil
}

// IndexDelimiter returns the first key of block group g. Both block
// candidates' index entries already live in memory after Open, so
// disambiguating iL vs iU costs one comparison and zero extra I/O.
func (t *SSTable) IndexDelimiter(g int) []byte {
	if g < 0 || g >= len(t.index) {
		return nil
	}
	return t.index[g].FirstKey
}

// Get performs the classical index-block + bloom-filter + block-decode
// read path, used for compressed tables and for uncompressed tables
// before a learned model exists.
func (t *SSTable) Get(userKey []byte, snapshotSeq uint64) (loc Locator, deleted bool, found bool, err error) {
	if !t.MayContain(userKey) {
		return Locator{}, false, false, nil
	}

	target := InternalKey{UserKey: userKey, Sequence: snapshotSeq, Kind: KindDeletion}
	blockIdx := sort.Search(len(t.index), func(i int) bool {
		return CompareUserKeys(t.index[i].FirstKey, userKey) > 0
	})
	if blockIdx == 0 {
		return Locator{}, false, false, nil
	}
	blockIdx--

	entries, err := t.readBlockEntries(blockIdx)
	if err != nil {
		return Locator{}, false, false, err
	}
	for _, e := range entries {
		if CompareUserKeys(e.Key.UserKey, userKey) != 0 {
			continue
		}
		if e.Key.Compare(target) >= 0 {
			return e.Locator, e.Deleted, true, nil
		}
	}
	return Locator{}, false, false, nil
}

func (t *SSTable) readBlockEntries(blockIdx int) ([]MemTableEntry, error) {
	start := t.index[blockIdx].Offset
	var end uint64
	if blockIdx+1 < len(t.index) {
		end = t.index[blockIdx+1].Offset
	} else {
		end = t.dataEnd
	}
	raw := make([]byte, end-start)
	if _, err := t.file.ReadAt(raw, int64(start)); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}

	if t.compressed {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("sstable: decompress block: %w", err)
		}
		raw = decoded
	}

	if !t.compressed {
		return decodeFixedBlock(raw, t.entryWidth), nil
	}
	return decodeVarBlock(raw)
}

// NewIterator returns the table's rows in ascending internal-key order,
// for sequential compaction input — block-at-a-time for compressed
// tables, a single positioned read for fixed-width ones.
func (t *SSTable) NewIterator() (EntryIterator, error) {
	if !t.compressed {
		rows, err := t.ReadRows(0, t.numRows-1)
		if err != nil {
			return nil, err
		}
		return NewSliceIterator(rows), nil
	}
	var all []MemTableEntry
	for b := 0; b < len(t.index); b++ {
		entries, err := t.readBlockEntries(b)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return NewSliceIterator(all), nil
}

// Close closes the underlying file handle.
func (t *SSTable) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// Remove closes and deletes the table file.
func (t *SSTable) Remove() error {
	t.Close()
	return os.Remove(t.path)
}
