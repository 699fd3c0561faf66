package lsm

import (
	"bytes"
	"encoding/binary"
)

// Kind distinguishes a live value from a tombstone within the internal
// key ordering.
type Kind uint8

const (
	KindDeletion Kind = 0
	KindValue    Kind = 1
)

// maxSequence bounds sequence numbers to 56 bits, per the data model.
const maxSequence = (uint64(1) << 56) - 1

// InternalKey is (user_key, sequence, kind), ordered by user_key
// ascending, then sequence descending (newer first), then kind. Kind
// breaks ties so that, at equal sequence, a Deletion sorts before a
// Value — an edge case that otherwise only arises in synthetic tests,
// but keeps the ordering total.
type InternalKey struct {
	UserKey  []byte
	Sequence uint64
	Kind     Kind
}

// Locator is the fixed 12-byte value locator stored in place of a value:
// an (offset, size) pair into the value log.
type Locator struct {
	Offset uint64
	Size   uint32
}

const locatorSize = 12

func (l Locator) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], l.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], l.Size)
}

func decodeLocator(buf []byte) Locator {
	return Locator{
		Offset: binary.LittleEndian.Uint64(buf[0:8]),
		Size:   binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// CompareUserKeys is the pluggable comparator the data model calls for;
// byte-lexicographic ordering over user keys.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Compare orders two internal keys: user_key ascending, sequence
// descending, kind ascending.
func (k InternalKey) Compare(other InternalKey) int {
	if c := CompareUserKeys(k.UserKey, other.UserKey); c != 0 {
		return c
	}
	if k.Sequence != other.Sequence {
		if k.Sequence > other.Sequence {
			return -1
		}
		return 1
	}
	if k.Kind != other.Kind {
		if k.Kind < other.Kind {
			return -1
		}
		return 1
	}
	return 0
}

// packedTag combines sequence and kind into the single 64-bit field the
// on-disk encoding stores, mirroring the classical LSM internal-key
// encoding: (sequence << 8) | kind.
func (k InternalKey) packedTag() uint64 {
	return (k.Sequence << 8) | uint64(k.Kind)
}

func unpackTag(tag uint64) (sequence uint64, kind Kind) {
	return tag >> 8, Kind(tag & 0xff)
}

// Encode serializes the internal key as [user_key][tag:u64], the layout
// used by the memtable's ordered index and the sorted-table row format.
func (k InternalKey) Encode() []byte {
	buf := make([]byte, len(k.UserKey)+8)
	copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[len(k.UserKey):], k.packedTag())
	return buf
}

// DecodeInternalKey parses the Encode layout back into an InternalKey.
func DecodeInternalKey(buf []byte) InternalKey {
	n := len(buf) - 8
	tag := binary.LittleEndian.Uint64(buf[n:])
	seq, kind := unpackTag(tag)
	userKey := make([]byte, n)
	copy(userKey, buf[:n])
	return InternalKey{UserKey: userKey, Sequence: seq, Kind: kind}
}

// CompareEncoded orders two Encode()-d internal keys without allocating
// InternalKey structs, in the same order as InternalKey.Compare.
func CompareEncoded(a, b []byte) int {
	an, bn := len(a)-8, len(b)-8
	if c := bytes.Compare(a[:an], b[:bn]); c != 0 {
		return c
	}
	aTag := binary.LittleEndian.Uint64(a[an:])
	bTag := binary.LittleEndian.Uint64(b[bn:])
	// Tag packs (sequence<<8)|kind: higher sequence sorts first, then
	// kind ascending.
	if aSeq, bSeq := aTag>>8, bTag>>8; aSeq != bSeq {
		if aSeq > bSeq {
			return -1
		}
		return 1
	}
	aKind, bKind := aTag&0xff, bTag&0xff
	if aKind < bKind {
		return -1
	}
	if aKind > bKind {
		return 1
	}
	return 0
}
