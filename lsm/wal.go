// WAL is a CRC-framed append-only record log recording an internal
// key's (sequence, kind, user key) plus a Locator instead of a raw
// value — the write path appends the value to the value log first and
// only ever durably records its locator here.
package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WAL is a write-ahead log of internal-key/locator records. appendMu
// serializes concurrent Append calls from multiple write-sequencer
// goroutines so their records land whole, never interleaved.
type WAL struct {
	file     *os.File
	path     string
	appendMu sync.Mutex
}

// NewWAL opens (or creates) the log file at path for appending.
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	return &WAL{file: file, path: path}, nil
}

// Record format: [crc32][sequence:u64][kind:u8][keySize:u32][locator:12][key].
func (w *WAL) Append(key []byte, seq uint64, kind Kind, loc Locator) error {
	keySize := uint32(len(key))
	bodySize := 8 + 1 + 4 + locatorSize + int(keySize)
	record := make([]byte, 4+bodySize)

	offset := 4
	binary.LittleEndian.PutUint64(record[offset:], seq)
	offset += 8
	record[offset] = byte(kind)
	offset++
	binary.LittleEndian.PutUint32(record[offset:], keySize)
	offset += 4
	loc.encode(record[offset : offset+locatorSize])
	offset += locatorSize
	copy(record[offset:], key)

	crc := crc32.ChecksumIEEE(record[4:])
	binary.LittleEndian.PutUint32(record[0:4], crc)

	w.appendMu.Lock()
	_, err := w.file.Write(record)
	w.appendMu.Unlock()
	return err
}

// Sync forces the log to stable storage.
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// WALEntry is one recovered record.
type WALEntry struct {
	UserKey  []byte
	Sequence uint64
	Kind     Kind
	Locator  Locator
}

// ReadAll reads every well-formed record from the start of the log, for
// crash recovery. A truncated final record (a torn write from a crash
// mid-append) is treated as the expected end of the log, not an error;
// a CRC mismatch on an otherwise complete record is corruption and is
// reported.
func (w *WAL) ReadAll() ([]WALEntry, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: seek: %w", err)
	}

	var entries []WALEntry
	const headerSize = 4 + 8 + 1 + 4 + locatorSize

	for {
		header := make([]byte, headerSize)
		_, err := io.ReadFull(w.file, header)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wal: read header: %w", err)
		}

		crc := binary.LittleEndian.Uint32(header[0:4])
		seq := binary.LittleEndian.Uint64(header[4:12])
		kind := Kind(header[12])
		keySize := binary.LittleEndian.Uint32(header[13:17])
		loc := decodeLocator(header[17:29])

		key := make([]byte, keySize)
		if _, err := io.ReadFull(w.file, key); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("wal: read key: %w", err)
		}

		body := make([]byte, len(header)-4+len(key))
		copy(body, header[4:])
		copy(body[len(header)-4:], key)
		if crc32.ChecksumIEEE(body) != crc {
			return nil, fmt.Errorf("wal: corruption: CRC mismatch")
		}

		entries = append(entries, WALEntry{UserKey: key, Sequence: seq, Kind: kind, Locator: loc})
	}

	return entries, nil
}

// Delete closes and removes the log file.
func (w *WAL) Delete() error {
	w.Close()
	return os.Remove(w.path)
}
