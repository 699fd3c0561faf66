package lsm

import "encoding/binary"

// Fixed-width row layout (uncompressed / learned-eligible tables):
//   [keyLen:u16][key, padded with zeros to maxKeyLen][seq:u64][kind:u8][locator:12]
// Every row in a file occupies the same entryWidth = maxKeyLen + 23
// bytes, the precondition the learned read path's direct positioned
// reads depend on.
const fixedRowFixedPart = 2 + 8 + 1 + locatorSize

func encodeFixedRow(e MemTableEntry, maxKeyLen int) []byte {
	width := maxKeyLen + fixedRowFixedPart
	buf := make([]byte, width)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(e.Key.UserKey)))
	copy(buf[2:2+len(e.Key.UserKey)], e.Key.UserKey)
	tailOff := 2 + maxKeyLen
	binary.LittleEndian.PutUint64(buf[tailOff:tailOff+8], e.Key.Sequence)
	buf[tailOff+8] = byte(e.Key.Kind)
	e.Locator.encode(buf[tailOff+9 : tailOff+9+locatorSize])
	return buf
}

func decodeFixedRow(row []byte, entryWidth uint64) MemTableEntry {
	keyLen := binary.LittleEndian.Uint16(row[0:2])
	maxKeyLen := int(entryWidth) - fixedRowFixedPart
	key := make([]byte, keyLen)
	copy(key, row[2:2+int(keyLen)])
	tailOff := 2 + maxKeyLen
	seq := binary.LittleEndian.Uint64(row[tailOff : tailOff+8])
	kind := Kind(row[tailOff+8])
	loc := decodeLocator(row[tailOff+9 : tailOff+9+locatorSize])
	return MemTableEntry{
		Key:     InternalKey{UserKey: key, Sequence: seq, Kind: kind},
		Locator: loc,
		Deleted: kind == KindDeletion,
	}
}

func decodeFixedBlock(raw []byte, entryWidth uint64) []MemTableEntry {
	n := uint64(len(raw)) / entryWidth
	out := make([]MemTableEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, decodeFixedRow(raw[i*entryWidth:(i+1)*entryWidth], entryWidth))
	}
	return out
}

// Variable-length block layout (compressed tables, classical path only):
//   [numEntries:u32]{[keyLen:u32][seq:u64][kind:u8][locator:12][key]}...
func encodeVarEntry(e MemTableEntry) []byte {
	buf := make([]byte, 4+8+1+locatorSize+len(e.Key.UserKey))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.Key.UserKey)))
	binary.LittleEndian.PutUint64(buf[4:12], e.Key.Sequence)
	buf[12] = byte(e.Key.Kind)
	e.Locator.encode(buf[13 : 13+locatorSize])
	copy(buf[13+locatorSize:], e.Key.UserKey)
	return buf
}

func decodeVarBlock(raw []byte) ([]MemTableEntry, error) {
	if len(raw) < 4 {
		return nil, nil
	}
	n := binary.LittleEndian.Uint32(raw[0:4])
	out := make([]MemTableEntry, 0, n)
	offset := 4
	for i := uint32(0); i < n; i++ {
		if offset+4+8+1+locatorSize > len(raw) {
			break
		}
		keyLen := binary.LittleEndian.Uint32(raw[offset:])
		seq := binary.LittleEndian.Uint64(raw[offset+4:])
		kind := Kind(raw[offset+12])
		loc := decodeLocator(raw[offset+13 : offset+13+locatorSize])
		offset += 13 + locatorSize
		if offset+int(keyLen) > len(raw) {
			break
		}
		key := make([]byte, keyLen)
		copy(key, raw[offset:offset+int(keyLen)])
		offset += int(keyLen)
		out = append(out, MemTableEntry{
			Key:     InternalKey{UserKey: key, Sequence: seq, Kind: kind},
			Locator: loc,
			Deleted: kind == KindDeletion,
		})
	}
	return out, nil
}
