// Package learnedindex implements the learned file index: a
// piecewise-linear model trained over a single sorted table's keys, used by
// the table cache's learned read path to turn a key lookup into a bounded
// position range instead of a block-index binary search.
//
// A frugal-memory discipline keeps the footprint small: each file's raw
// key buffer is cleared immediately after training, and a deleted model's
// segments are released by MarkDelete, or, if a learner has the index
// flagged as learning at that moment, by that learner's ReleaseIfDeleted.
package learnedindex

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/DICL/HyperBourbon/plr"
)

// LearnModelError is the default PLR error bound used to train a file's
// model.
const LearnModelError = 8

// FileIndex is the learned index for a single sorted table.
type FileIndex struct {
	FileNumber uint64
	Level      int

	// BlockNumEntries/BlockSize/EntrySize describe the physical layout the
	// learned read path needs to turn a row position into a block index
	// and byte offset; set by the table builder before Fill is called.
	BlockNumEntries uint64
	BlockSize       uint64
	EntrySize       uint64

	mu      sync.Mutex // guards keys/segments while filling/learning
	keys    []uint64   // sampled keys, cleared after a successful Learn
	segments []plr.Segment

	minKey uint64
	maxKey uint64
	size   uint64
	cost   uint64 // learning cost in nanoseconds

	// maxDupSpan is the widest duplicate-key_as_integer cluster plr.Train
	// absorbed while building segments (0 if no duplicates occurred).
	// GetPosition widens its upper bound by this much so a cluster larger
	// than 2*LearnModelError rows is still fully covered by the returned
	// range.
	maxDupSpan uint64

	learned  atomic.Bool
	learning atomic.Bool
	deleted  atomic.Bool

	deleteMu sync.Mutex // stands in for the C++ SpinLock mutex_delete_
}

// KeyToUint64 maps a user key to the numeric domain the PLR model trains
// over: the key's digit bytes ('0'-'9'), read left to right and parsed as
// a base-10 integer, leading zeros skipped. ok is false for an empty key
// or a key containing any non-digit byte — callers must not train or
// look up a learned model on such a key, since the model's monotonicity
// assumption only holds over the numeric ordering of a pure-decimal key
// space. A value that overflows uint64 saturates at math.MaxUint64
// rather than wrapping, so an over-long numeric key still sorts last
// instead of landing on an arbitrary smaller value.
func KeyToUint64(key []byte) (value uint64, ok bool) {
	if len(key) == 0 {
		return 0, false
	}
	i := 0
	for i < len(key) && key[i] == '0' {
		i++
	}
	for ; i < len(key); i++ {
		d := key[i]
		if d < '0' || d > '9' {
			return 0, false
		}
		digit := uint64(d - '0')
		if value > (math.MaxUint64-digit)/10 {
			return math.MaxUint64, true
		}
		value = value*10 + digit
	}
	return value, true
}

// NewFileIndex creates an empty, untrained index for a file.
func NewFileIndex(fileNumber uint64, level int) *FileIndex {
	return &FileIndex{FileNumber: fileNumber, Level: level}
}

// Fill populates the key buffer that Learn will train over. keys must be
// the file's user keys converted to integers, in ascending row-position
// order (one per row of the flat sorted entry sequence). Returns false on
// an empty file (nothing to learn).
func (f *FileIndex) Fill(keys []uint64) bool {
	if len(keys) == 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = keys
	f.minKey = keys[0]
	f.maxKey = keys[len(keys)-1]
	f.size = uint64(len(keys))
	return true
}

// Learn trains segments over the filled key buffer. May only run once the
// buffer is populated (Fill returned true); the caller must not call Learn
// concurrently with itself for the same FileIndex (the engine's learning
// task skips an index that is already learned or flagged as learning).
func (f *FileIndex) Learn() bool {
	f.mu.Lock()
	keys := f.keys
	f.mu.Unlock()

	if len(keys) == 0 {
		return false
	}

	p := plr.New(LearnModelError)
	segs, maxDupSpan := p.Train(keys)
	if len(segs) == 0 {
		return false
	}
	// Terminating dummy segment bounding the final binary search.
	segs = append(segs, plr.Segment{X: keys[len(keys)-1], K: 0, B: 0})

	f.mu.Lock()
	f.segments = segs
	f.maxDupSpan = maxDupSpan
	// Bourbon-plus: the key buffer has done its job, release it by
	// dropping the reference so the backing array can be collected.
	f.keys = nil
	f.mu.Unlock()

	f.learned.Store(true)
	return true
}

// Learned reports whether training has completed.
func (f *FileIndex) Learned() bool { return f.learned.Load() }

// Learning reports whether the index is flagged as being trained (see
// SetLearning).
func (f *FileIndex) Learning() bool { return f.learning.Load() }

// SetLearning marks/unmarks this index as actively being trained; the
// table cache uses it to avoid scheduling duplicate learning work and to
// decide whether MarkDelete can free segments immediately.
func (f *FileIndex) SetLearning(v bool) { f.learning.Store(v) }

// GetPosition returns the bounded row-position range [lower, upper] that
// must contain target, or ok=false if the index holds no trained segments
// or target is provably absent (outside the trained key range).
func (f *FileIndex) GetPosition(target uint64) (lower, upper uint64, ok bool) {
	f.mu.Lock()
	segs := f.segments
	size := f.size
	minKey, maxKey := f.minKey, f.maxKey
	maxDupSpan := f.maxDupSpan
	f.mu.Unlock()

	if len(segs) < 2 {
		return size, size, false
	}
	if target < minKey || target > maxKey {
		return size, size, false
	}

	left, right := 0, len(segs)-1
	for left != right-1 {
		mid := (left + right) / 2
		if target < segs[mid].X {
			right = mid
		} else {
			left = mid
		}
	}

	s := segs[left]
	predicted := float64(target)*s.K + s.B

	var lo float64
	if predicted-LearnModelError > 0 {
		lo = math.Floor(predicted - LearnModelError)
	}
	// A duplicate-key cluster's predicted position is pinned to its first
	// member's true position regardless of slope, so the upper bound must
	// widen by the cluster's full span to still cover its last member.
	hi := math.Ceil(predicted + LearnModelError + float64(maxDupSpan))

	if lo >= float64(size) {
		return size, size, false
	}
	lower = uint64(lo)
	if hi >= float64(size) {
		upper = size - 1
	} else {
		upper = uint64(hi)
	}
	return lower, upper, true
}

// MaxPosition returns the last valid row position in the file.
func (f *FileIndex) MaxPosition() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.size == 0 {
		return 0
	}
	return f.size - 1
}

// MarkDelete flags the index as belonging to a file that is being removed.
// Segments are released immediately unless a learner currently holds them.
func (f *FileIndex) MarkDelete() {
	f.deleted.Store(true)

	f.deleteMu.Lock()
	defer f.deleteMu.Unlock()
	if !f.learning.Load() {
		f.mu.Lock()
		f.segments = nil
		f.mu.Unlock()
	}
}

// ReleaseIfDeleted is called by a learner when it gives up the guard; if
// the file was marked deleted while learning was in flight, segments are
// released now.
func (f *FileIndex) ReleaseIfDeleted() {
	f.deleteMu.Lock()
	defer f.deleteMu.Unlock()
	if f.deleted.Load() {
		f.mu.Lock()
		f.segments = nil
		f.mu.Unlock()
	}
}

// Deleted reports whether MarkDelete has been called.
func (f *FileIndex) Deleted() bool { return f.deleted.Load() }

// SetCost records the nanosecond cost of the training run that produced
// the current segments; read by the arbiter's amortized-cost comparison.
func (f *FileIndex) SetCost(nanos uint64) { f.cost = nanos }

// Cost returns the last recorded training cost in nanoseconds.
func (f *FileIndex) Cost() uint64 { return f.cost }

// WriteModel persists the trained model to the on-disk .fmodel layout.
func (f *FileIndex) WriteModel(path string) error {
	if !f.learned.Load() {
		return nil
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	var buf [8]byte

	putU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, err := w.Write(buf[:])
		return err
	}
	putF64 := func(v float64) error {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, err := w.Write(buf[:])
		return err
	}

	f.mu.Lock()
	segs := append([]plr.Segment(nil), f.segments...)
	minKey, maxKey, size := f.minKey, f.maxKey, f.size
	f.mu.Unlock()

	if err := putU64(f.BlockNumEntries); err != nil {
		return err
	}
	if err := putU64(f.BlockSize); err != nil {
		return err
	}
	if err := putU64(f.EntrySize); err != nil {
		return err
	}
	if err := putU64(uint64(len(segs))); err != nil {
		return err
	}
	for _, s := range segs {
		if err := putU64(s.X); err != nil {
			return err
		}
		if err := putF64(s.K); err != nil {
			return err
		}
		if err := putF64(s.B); err != nil {
			return err
		}
	}
	if err := putU64(minKey); err != nil {
		return err
	}
	if err := putU64(maxKey); err != nil {
		return err
	}
	if err := putU64(size); err != nil {
		return err
	}
	var levelBuf [4]byte
	binary.LittleEndian.PutUint32(levelBuf[:], uint32(f.Level))
	if _, err := w.Write(levelBuf[:]); err != nil {
		return err
	}
	if err := putU64(f.cost); err != nil {
		return err
	}
	if err := putU64(f.FileNumber); err != nil {
		return err
	}
	return w.Flush()
}

// ReadModel loads a previously persisted .fmodel file. A no-op if the
// index is already learned.
func (f *FileIndex) ReadModel(path string) error {
	if f.learned.Load() {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var buf [8]byte

	readU64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	readF64 := func() (float64, error) {
		v, err := readU64()
		if err != nil {
			return 0, err
		}
		return math.Float64frombits(v), nil
	}

	if f.BlockNumEntries, err = readU64(); err != nil {
		return err
	}
	if f.BlockSize, err = readU64(); err != nil {
		return err
	}
	if f.EntrySize, err = readU64(); err != nil {
		return err
	}
	segCount, err := readU64()
	if err != nil {
		return err
	}
	segs := make([]plr.Segment, 0, segCount)
	for i := uint64(0); i < segCount; i++ {
		x, err := readU64()
		if err != nil {
			return err
		}
		k, err := readF64()
		if err != nil {
			return err
		}
		b, err := readF64()
		if err != nil {
			return err
		}
		segs = append(segs, plr.Segment{X: x, K: k, B: b})
	}
	if f.minKey, err = readU64(); err != nil {
		return err
	}
	if f.maxKey, err = readU64(); err != nil {
		return err
	}
	if f.size, err = readU64(); err != nil {
		return err
	}
	var levelBuf [4]byte
	if _, err := io.ReadFull(r, levelBuf[:]); err != nil {
		return err
	}
	f.Level = int(binary.LittleEndian.Uint32(levelBuf[:]))
	if f.cost, err = readU64(); err != nil {
		return err
	}
	if f.FileNumber, err = readU64(); err != nil {
		return err
	}

	f.mu.Lock()
	f.segments = segs
	f.mu.Unlock()
	f.learned.Store(true)
	return nil
}
