package lsm

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// BloomFilter is a single, whole-file membership filter: one instance
// covers every row in an SSTable, sized at build time from the table's
// row count rather than grown incrementally, since a table's row set is
// immutable once written.
type BloomFilter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
	numKeys   uint32 // rows actually added, reported by NumKeys
}

// NewBloomFilter sizes a filter for expectedKeys rows at the given false
// positive rate — called once per file build with the table's exact row
// count, so the filter is neither under- nor over-provisioned the way an
// incrementally-grown general-purpose filter would be.
func NewBloomFilter(expectedKeys int, falsePositiveRate float64) *BloomFilter {
	if expectedKeys <= 0 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	numBits := uint64(math.Ceil(-float64(expectedKeys) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(math.Ceil(float64(numBits) / float64(expectedKeys) * math.Ln2))
	if numHashes == 0 {
		numHashes = 1
	}

	numBytes := (numBits + 7) / 8
	return &BloomFilter{
		bits:      make([]byte, numBytes),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// doubleHash returns the two independent FNV hashes double hashing
// derives every h_i from: h_i(key) = (h1 + i*h2) mod m.
func doubleHash(key []byte) (h1, h2 uint64) {
	a := fnv.New64a()
	a.Write(key)
	h1 = a.Sum64()

	b := fnv.New64()
	b.Write(key)
	h2 = b.Sum64()
	if h2%2 == 0 {
		// Keep h2 odd so it stays coprime with a power-of-two-ish numBits,
		// avoiding short cycles through the bit array.
		h2++
	}
	return h1, h2
}

func (bf *BloomFilter) eachBit(key []byte, f func(byteIdx, bitIdx uint64)) {
	h1, h2 := doubleHash(key)
	for i := uint32(0); i < bf.numHashes; i++ {
		h := (h1 + uint64(i)*h2) % bf.numBits
		f(h/8, h%8)
	}
}

// Add records userKey's row as present.
func (bf *BloomFilter) Add(userKey []byte) {
	bf.eachBit(userKey, func(byteIdx, bitIdx uint64) {
		bf.bits[byteIdx] |= 1 << bitIdx
	})
	bf.numKeys++
}

// MayContain reports whether userKey might be one of this file's rows.
// False means definitely absent; true means present or a false positive.
func (bf *BloomFilter) MayContain(userKey []byte) bool {
	present := true
	bf.eachBit(userKey, func(byteIdx, bitIdx uint64) {
		if bf.bits[byteIdx]&(1<<bitIdx) == 0 {
			present = false
		}
	})
	return present
}

// NumKeys returns how many rows were added to the filter.
func (bf *BloomFilter) NumKeys() uint32 { return bf.numKeys }

// Encode serializes the filter for the footer's filter block.
// Format: [numBits(8)][numHashes(4)][numKeys(4)][bits...]
func (bf *BloomFilter) Encode() []byte {
	buf := make([]byte, 16+len(bf.bits))
	binary.LittleEndian.PutUint64(buf[0:], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:], bf.numHashes)
	binary.LittleEndian.PutUint32(buf[12:], bf.numKeys)
	copy(buf[16:], bf.bits)
	return buf
}

// DecodeBloomFilter deserializes a filter block written by Encode.
func DecodeBloomFilter(data []byte) *BloomFilter {
	if len(data) < 16 {
		return nil
	}
	numBits := binary.LittleEndian.Uint64(data[0:])
	numHashes := binary.LittleEndian.Uint32(data[8:])
	numKeys := binary.LittleEndian.Uint32(data[12:])
	bits := make([]byte, len(data)-16)
	copy(bits, data[16:])

	return &BloomFilter{
		bits:      bits,
		numBits:   numBits,
		numHashes: numHashes,
		numKeys:   numKeys,
	}
}
