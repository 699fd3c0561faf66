// SSTableBuilder constructs a table block-at-a-time with a trailing
// index/metadata/bloom/footer, emitting either fixed-width rows
// (Compressed=false, the learned-eligible layout) or snappy-compressed
// variable-length blocks (Compressed=true), selected per table by the
// caller's compression flag.
package lsm

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/golang/snappy"
)

// defaultBlockNumEntries groups fixed-width rows into index "blocks"
// purely for classical-path indexing and for the learned path's block
// disambiguation step.
const defaultBlockNumEntries = 64

// SSTableBuilder constructs a new sorted table file from entries
// presented in ascending internal-key order.
type SSTableBuilder struct {
	file       *os.File
	path       string
	compressed bool

	// Fixed-width mode: entries are buffered raw (without padding) since
	// the final row width depends on the largest key seen.
	maxKeyLen int
	rows      []MemTableEntry

	// Compressed mode state.
	currentBlock     []byte
	blockOffset      uint64
	blockHasFirstKey bool

	index      []indexEntry
	filter     *BloomFilter
	smallest   InternalKey
	largest    InternalKey
	numEntries int
	haveFirst  bool
}

// NewSSTableBuilder creates a builder writing to path. expectedKeys sizes
// the bloom filter; compressed selects the physical row layout.
func NewSSTableBuilder(path string, expectedKeys int, compressed bool) (*SSTableBuilder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: create: %w", err)
	}
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	return &SSTableBuilder{
		file:         file,
		path:         path,
		compressed:   compressed,
		filter:       NewBloomFilter(expectedKeys, 0.01),
		currentBlock: make([]byte, 4),
	}, nil
}

// Add appends one entry. Entries must be presented in ascending internal
// key order.
func (b *SSTableBuilder) Add(e MemTableEntry) error {
	if !b.haveFirst {
		b.smallest = e.Key
		b.haveFirst = true
	}
	b.largest = e.Key
	b.numEntries++
	b.filter.Add(e.Key.UserKey)
	if len(e.Key.UserKey) > b.maxKeyLen {
		b.maxKeyLen = len(e.Key.UserKey)
	}

	if !b.compressed {
		b.rows = append(b.rows, e)
		return nil
	}

	if !b.blockHasFirstKey {
		b.index = append(b.index, indexEntry{FirstKey: append([]byte(nil), e.Key.UserKey...), Offset: b.blockOffset})
		b.blockHasFirstKey = true
	}

	entry := encodeVarEntry(e)
	if len(b.currentBlock)+len(entry) > sstableBlockSize && binary.LittleEndian.Uint32(b.currentBlock[0:4]) > 0 {
		if err := b.flushCompressedBlock(); err != nil {
			return err
		}
		b.index = append(b.index, indexEntry{FirstKey: append([]byte(nil), e.Key.UserKey...), Offset: b.blockOffset})
	}
	b.currentBlock = append(b.currentBlock, entry...)
	n := binary.LittleEndian.Uint32(b.currentBlock[0:4]) + 1
	binary.LittleEndian.PutUint32(b.currentBlock[0:4], n)
	return nil
}

// flushCompressedBlock snappy-compresses the accumulated block and
// writes it to disk, advancing blockOffset by the compressed size.
func (b *SSTableBuilder) flushCompressedBlock() error {
	if binary.LittleEndian.Uint32(b.currentBlock[0:4]) == 0 {
		return nil
	}
	compressed := snappy.Encode(nil, b.currentBlock)
	if _, err := b.file.Write(compressed); err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}
	b.blockOffset += uint64(len(compressed))
	b.currentBlock = make([]byte, 4)
	return nil
}

// Finish writes the remaining data, index, metadata, filter, and footer,
// then syncs and closes the file.
func (b *SSTableBuilder) Finish() error {
	entryWidth := uint64(0)
	if !b.compressed {
		entryWidth = uint64(b.maxKeyLen + fixedRowFixedPart)
		for i, e := range b.rows {
			if i%defaultBlockNumEntries == 0 {
				b.index = append(b.index, indexEntry{
					FirstKey: append([]byte(nil), e.Key.UserKey...),
					Offset:   b.blockOffset,
				})
			}
			row := encodeFixedRow(e, b.maxKeyLen)
			if _, err := b.file.Write(row); err != nil {
				return fmt.Errorf("sstable: write row: %w", err)
			}
			b.blockOffset += entryWidth
		}
	} else {
		if err := b.flushCompressedBlock(); err != nil {
			return err
		}
	}

	dataEnd := b.blockOffset
	indexData := encodeSSTableIndex(b.index)
	if _, err := b.file.Write(indexData); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}

	filterOffset := dataEnd + uint64(len(indexData))
	filterData := b.filter.Encode()
	if _, err := b.file.Write(filterData); err != nil {
		return fmt.Errorf("sstable: write filter: %w", err)
	}

	metadataOffset := filterOffset + uint64(len(filterData))
	metaData := encodeSSTableMetadata(b.smallest, b.largest, uint64(b.numEntries))
	if _, err := b.file.Write(metaData); err != nil {
		return fmt.Errorf("sstable: write metadata: %w", err)
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], dataEnd)
	binary.LittleEndian.PutUint64(footer[8:16], filterOffset)
	binary.LittleEndian.PutUint64(footer[16:24], metadataOffset)
	if b.compressed {
		footer[24] = 1
	}
	binary.LittleEndian.PutUint64(footer[25:33], uint64(defaultBlockNumEntries))
	binary.LittleEndian.PutUint64(footer[33:41], entryWidth)
	binary.LittleEndian.PutUint32(footer[41:45], sstableMagic)
	if _, err := b.file.Write(footer); err != nil {
		return fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("sstable: sync: %w", err)
	}
	return b.file.Close()
}

func encodeSSTableMetadata(smallest, largest InternalKey, numRows uint64) []byte {
	sEnc := smallest.Encode()
	lEnc := largest.Encode()
	buf := make([]byte, 16+len(sEnc)+len(lEnc))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(sEnc)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(lEnc)))
	binary.LittleEndian.PutUint64(buf[8:16], numRows)
	copy(buf[16:], sEnc)
	copy(buf[16+len(sEnc):], lEnc)
	return buf
}

func encodeSSTableIndex(index []indexEntry) []byte {
	size := 4
	for _, e := range index {
		size += 12 + len(e.FirstKey)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(index)))
	offset := 4
	for _, e := range index {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(e.FirstKey)))
		binary.LittleEndian.PutUint64(buf[offset+4:], e.Offset)
		offset += 12
		copy(buf[offset:], e.FirstKey)
		offset += len(e.FirstKey)
	}
	return buf
}

// Abort closes and deletes the partially written file.
func (b *SSTableBuilder) Abort() error {
	b.file.Close()
	return os.Remove(b.path)
}

// NumEntries reports how many rows have been added so far.
func (b *SSTableBuilder) NumEntries() int { return b.numEntries }
