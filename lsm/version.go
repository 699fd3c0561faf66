// Per-level file-set bookkeeping: level scores driving compaction
// selection, a manifest log of applied edits, and the grandparent-
// boundary check that bounds compaction output file size.
package lsm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// NumLevels is the number of LSM levels, L0..L6.
const NumLevels = 7

// L0CompactionTrigger is the file-count threshold that gives level 0 a
// score of 1.0.
const L0CompactionTrigger = 4

// levelMaxBytes holds per-level size thresholds, scaled geometrically
// the way a real deployment's level capacities grow.
var levelMaxBytes = [NumLevels]uint64{
	0, // unused: L0 is scored by file count
	10 * 1024 * 1024,
	100 * 1024 * 1024,
	1024 * 1024 * 1024,
	10 * 1024 * 1024 * 1024,
	100 * 1024 * 1024 * 1024,
	1024 * 1024 * 1024 * 1024,
}

// FileMetaData describes one immutable sorted table file.
type FileMetaData struct {
	Number          uint64
	Size            uint64
	Smallest        InternalKey
	Largest         InternalKey
	Compressed      bool
	BlockNumEntries uint64
	EntryWidth      uint64

	// allowedSeeks is the read-triggered-compaction budget: each
	// classical-path lookup that touches this file decrements it;
	// reaching zero flags the file as the version's seek-driven
	// compaction candidate.
	allowedSeeks atomic.Int32
}

// SetAllowedSeeks seeds the file's read-triggered-compaction budget. Only
// called once, before the file is published into a Version.
func (f *FileMetaData) SetAllowedSeeks(n int) {
	f.allowedSeeks.Store(int32(n))
}

// RecordSeek decrements the file's remaining seek budget and reports
// whether this call exhausted it.
func (f *FileMetaData) RecordSeek() bool {
	return f.allowedSeeks.Add(-1) == 0
}

// Overlaps reports whether this file's user-key range intersects
// [start, end]. A nil bound is unbounded on that side.
func (f *FileMetaData) Overlaps(start, end []byte) bool {
	if start != nil && CompareUserKeys(f.Largest.UserKey, start) < 0 {
		return false
	}
	if end != nil && CompareUserKeys(f.Smallest.UserKey, end) > 0 {
		return false
	}
	return true
}

// deletedFileKey identifies a file slated for removal by a VersionEdit.
type deletedFileKey struct {
	Level  int
	Number uint64
}

// VersionEdit is a delta applied to a Version to produce its successor.
type VersionEdit struct {
	AddedFiles   map[int][]*FileMetaData `json:"added_files"`
	DeletedFiles []deletedFileKey        `json:"deleted_files"`
	LogNumber    uint64                  `json:"log_number"`
	LastSequence uint64                  `json:"last_sequence"`
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{AddedFiles: make(map[int][]*FileMetaData)}
}

// AddFile records a newly published file at level.
func (e *VersionEdit) AddFile(level int, f *FileMetaData) {
	e.AddedFiles[level] = append(e.AddedFiles[level], f)
}

// DeleteFile records a file removed from level.
func (e *VersionEdit) DeleteFile(level int, number uint64) {
	e.DeletedFiles = append(e.DeletedFiles, deletedFileKey{Level: level, Number: number})
}

// Version is an immutable snapshot of the per-level file sets.
type Version struct {
	Files [NumLevels][]*FileMetaData
	refs  int
}

func (v *Version) ref() { v.refs++ }

// unref reports whether the version's refcount reached zero.
func (v *Version) unref() bool {
	v.refs--
	return v.refs <= 0
}

// clone returns a shallow copy (file pointers are shared; immutable
// FileMetaData is never mutated in place).
func (v *Version) clone() *Version {
	nv := &Version{refs: 1}
	for l := 0; l < NumLevels; l++ {
		nv.Files[l] = append([]*FileMetaData(nil), v.Files[l]...)
	}
	return nv
}

// overlappingInputs returns the files at level overlapping [start,end].
func (v *Version) overlappingInputs(level int, start, end []byte) []*FileMetaData {
	var out []*FileMetaData
	for _, f := range v.Files[level] {
		if f.Overlaps(start, end) {
			out = append(out, f)
		}
	}
	return out
}

// keyRange returns the smallest/largest user key spanning files.
func keyRange(files []*FileMetaData) (smallest, largest []byte) {
	if len(files) == 0 {
		return nil, nil
	}
	smallest, largest = files[0].Smallest.UserKey, files[0].Largest.UserKey
	for _, f := range files[1:] {
		if CompareUserKeys(f.Smallest.UserKey, smallest) < 0 {
			smallest = f.Smallest.UserKey
		}
		if CompareUserKeys(f.Largest.UserKey, largest) > 0 {
			largest = f.Largest.UserKey
		}
	}
	return smallest, largest
}

func totalSize(files []*FileMetaData) uint64 {
	var n uint64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// VersionSet owns the current Version, the manifest log, the file number
// allocator, and per-level compaction pointers.
type VersionSet struct {
	mu sync.Mutex

	dbDir          string
	current        *Version
	nextFileNumber uint64
	lastSequence   uint64
	logNumber      uint64

	// compactPointer[level] is the largest key compacted out of level so
	// far, so the next compaction there picks up where the last left off
	// instead of always starting at the smallest key.
	compactPointer [NumLevels][]byte

	manifest *os.File

	// allowedSeeksSeed reseeds recovered files' read-triggered-compaction
	// budget, which a manifest replay can't recover on its own.
	allowedSeeksSeed int

	// l0CompactionTrigger is the configured file-count threshold that
	// gives level 0 a compaction score of 1.0.
	l0CompactionTrigger int

	// fileToCompact and fileToCompactLevel name the seek-driven
	// compaction candidate flagged by RecordSeek, consulted by
	// PickCompactionLevel as a fallback when no level's score triggers.
	seekMu             sync.Mutex
	fileToCompact      *FileMetaData
	fileToCompactLevel int
}

// OpenVersionSet creates or recovers a VersionSet rooted at dbDir.
// l0CompactionTrigger of zero falls back to the package default
// L0CompactionTrigger.
func OpenVersionSet(dbDir string, allowedSeeksSeed int, l0CompactionTrigger int) (*VersionSet, error) {
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("versionset: mkdir: %w", err)
	}
	manifestPath := filepath.Join(dbDir, "MANIFEST")
	f, err := os.OpenFile(manifestPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("versionset: open manifest: %w", err)
	}

	if l0CompactionTrigger <= 0 {
		l0CompactionTrigger = L0CompactionTrigger
	}

	vs := &VersionSet{
		dbDir:               dbDir,
		current:             &Version{refs: 1},
		nextFileNumber:      1,
		manifest:            f,
		allowedSeeksSeed:    allowedSeeksSeed,
		l0CompactionTrigger: l0CompactionTrigger,
	}

	if err := vs.recover(manifestPath); err != nil {
		f.Close()
		return nil, err
	}
	return vs, nil
}

// recover replays every edit recorded in the manifest to rebuild the
// current version, mirroring CURRENT/MANIFEST-based recovery but using a
// single append-only JSON-lines manifest instead of LevelDB's own log
// format (see DESIGN.md for the rationale).
func (vs *VersionSet) recover(manifestPath string) error {
	if _, err := vs.manifest.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(vs.manifest)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var edit VersionEdit
		if err := json.Unmarshal(scanner.Bytes(), &edit); err != nil {
			continue // tolerate a torn trailing line from a crash mid-append
		}
		vs.applyLocked(&edit)
	}
	if _, err := vs.manifest.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (vs *VersionSet) applyLocked(edit *VersionEdit) {
	nv := vs.current.clone()
	for _, d := range edit.DeletedFiles {
		files := nv.Files[d.Level]
		for i, f := range files {
			if f.Number == d.Number {
				nv.Files[d.Level] = append(files[:i], files[i+1:]...)
				break
			}
		}
	}
	for level, files := range edit.AddedFiles {
		for _, f := range files {
			if f.allowedSeeks.Load() == 0 {
				f.SetAllowedSeeks(vs.allowedSeeksSeed)
			}
		}
		nv.Files[level] = append(nv.Files[level], files...)
		if level > 0 {
			sort.Slice(nv.Files[level], func(i, j int) bool {
				return CompareUserKeys(nv.Files[level][i].Smallest.UserKey, nv.Files[level][j].Smallest.UserKey) < 0
			})
		}
	}

	old := vs.current
	vs.current = nv
	old.unref()

	if edit.LogNumber > vs.logNumber {
		vs.logNumber = edit.LogNumber
	}
	if edit.LastSequence > vs.lastSequence {
		vs.lastSequence = edit.LastSequence
	}
	for n := range vs.nextFileNumberCandidates(edit) {
		if n >= vs.nextFileNumber {
			vs.nextFileNumber = n + 1
		}
	}
}

func (vs *VersionSet) nextFileNumberCandidates(edit *VersionEdit) []uint64 {
	var nums []uint64
	for _, files := range edit.AddedFiles {
		for _, f := range files {
			nums = append(nums, f.Number)
		}
	}
	return nums
}

// LogAndApply serializes edit to the manifest and installs the resulting
// version as current. vs.mu is held for the whole call, including the
// manifest write and sync, so concurrent calls are serialized here and
// other VersionSet readers wait on the same lock during that I/O.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	edit.LastSequence = vs.lastSequence
	if edit.LogNumber == 0 {
		edit.LogNumber = vs.logNumber
	}

	data, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("versionset: encode edit: %w", err)
	}
	data = append(data, '\n')
	if _, err := vs.manifest.Write(data); err != nil {
		return fmt.Errorf("versionset: write manifest: %w", err)
	}
	if err := vs.manifest.Sync(); err != nil {
		return fmt.Errorf("versionset: sync manifest: %w", err)
	}

	vs.applyLocked(edit)
	return nil
}

// Current returns the live version, refcounted; callers must Release it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.current.ref()
	return vs.current
}

// SnapshotForBackup returns the current version (refcounted; the caller
// must Release it) together with a manifest recording exactly that
// version's file set, as one JSON-lines edit. Both are read under the
// same lock acquisition, so the returned bytes can never describe a
// different point in time than the files a caller then hard-links from
// v — unlike copying the live, separately-appended MANIFEST file, which
// a concurrent LogAndApply could extend mid-copy.
func (vs *VersionSet) SnapshotForBackup() (v *Version, manifest []byte, err error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.current.ref()
	v = vs.current

	edit := &VersionEdit{
		LogNumber:    vs.logNumber,
		LastSequence: vs.lastSequence,
		AddedFiles:   make(map[int][]*FileMetaData),
	}
	for level := 0; level < NumLevels; level++ {
		if len(v.Files[level]) > 0 {
			edit.AddedFiles[level] = v.Files[level]
		}
	}

	data, err := json.Marshal(edit)
	if err != nil {
		v.unref()
		return nil, nil, fmt.Errorf("versionset: encode backup manifest: %w", err)
	}
	return v, append(data, '\n'), nil
}

// Release drops a reference obtained from Current.
func (vs *VersionSet) Release(v *Version) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v.unref()
}

// NewFileNumber allocates the next file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// SetLastSequence bumps the last-assigned sequence number.
func (vs *VersionSet) SetLastSequence(seq uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if seq > vs.lastSequence {
		vs.lastSequence = seq
	}
}

// LastSequence returns the last-assigned sequence number.
func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSequence
}

// PickCompactionLevel returns the lowest-numbered level needing
// compaction against the current version, or -1 if none does. When no
// level's score reaches the threshold, it falls back to the level of the
// first file whose read-triggered-compaction budget (RecordSeek) ran out
// since the last such pick — a read-triggered compaction heuristic.
func (vs *VersionSet) PickCompactionLevel() int {
	vs.mu.Lock()
	v := vs.current
	v.ref()
	vs.mu.Unlock()
	defer vs.Release(v)
	if level := v.PickCompactionLevel(vs.l0CompactionTrigger); level >= 0 {
		return level
	}

	vs.seekMu.Lock()
	defer vs.seekMu.Unlock()
	if vs.fileToCompact == nil {
		return -1
	}
	level := vs.fileToCompactLevel
	vs.fileToCompact = nil
	return level
}

// RecordSeek decrements f's read-triggered-compaction budget; if it's
// exhausted and no seek-driven candidate is already pending, f becomes
// the next one consulted by PickCompactionLevel's fallback.
func (vs *VersionSet) RecordSeek(level int, f *FileMetaData) {
	if !f.RecordSeek() {
		return
	}
	vs.seekMu.Lock()
	defer vs.seekMu.Unlock()
	if vs.fileToCompact == nil {
		vs.fileToCompact = f
		vs.fileToCompactLevel = level
	}
}

// PickCompaction plans a compaction at level against the current
// version, seeded from the level's stored compaction pointer.
func (vs *VersionSet) PickCompaction(level int) *Compaction {
	vs.mu.Lock()
	v := vs.current
	v.ref()
	pointer := append([]byte(nil), vs.compactPointer[level]...)
	vs.mu.Unlock()

	defer vs.Release(v)
	return v.PickCompaction(level, pointer)
}

// AdvanceCompactPointer records the largest key taken from level by a
// just-completed compaction, so the next compaction there resumes past
// it instead of always restarting at the smallest key.
func (vs *VersionSet) AdvanceCompactPointer(level int, largest []byte) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.compactPointer[level] = append([]byte(nil), largest...)
}

// LevelScore returns a level's compaction score: bytes/max_bytes for
// level>=1, files/l0Trigger for level 0. Pass L0CompactionTrigger
// for l0Trigger to use the package default.
func (v *Version) LevelScore(level int, l0Trigger int) float64 {
	if level == 0 {
		return float64(len(v.Files[0])) / float64(l0Trigger)
	}
	return float64(totalSize(v.Files[level])) / float64(levelMaxBytes[level])
}

// IsBottommost reports whether no level beyond level holds any files, so
// a compaction outputting to level+1 may apply drop rule B to tombstones
// (nothing below remains for them to shadow).
func (v *Version) IsBottommost(level int) bool {
	for l := level + 1; l < NumLevels; l++ {
		if len(v.Files[l]) > 0 {
			return false
		}
	}
	return true
}

// PickCompactionLevel returns the lowest-numbered level whose score is
// >= 1, or -1 if none needs compaction.
func (v *Version) PickCompactionLevel(l0Trigger int) int {
	for l := 0; l < NumLevels-1; l++ {
		if v.LevelScore(l, l0Trigger) >= 1.0 {
			return l
		}
	}
	return -1
}

// Compaction describes one planned compaction: inputs at level and
// level+1, the resulting output level, and whether it can be satisfied
// as a pure metadata move (no merge I/O).
type Compaction struct {
	Level       int
	Inputs      []*FileMetaData // level's files
	NextInputs  []*FileMetaData // level+1's overlapping files
	Grandparent []*FileMetaData // level+2's files, for boundary sizing
	TrivialMove bool
}

// PickCompaction seeds the input set at level starting from the first
// file whose smallest key is past compactPointer (falling back to the
// first file, wrapping around after the last), expands to every
// overlapping level+1 file, and — for level 0, whose files may overlap
// each other — first expands to every overlapping level-0 file. This
// simplified by not re-growing the
// level input set when doing so wouldn't enlarge level+1's overlap (a
// pure efficiency optimization in the original; its absence here costs
// throughput, not correctness, since correctness only needs inputs that
// cover every record the output must merge).
func (v *Version) PickCompaction(level int, compactPointer []byte) *Compaction {
	files := v.Files[level]
	if len(files) == 0 {
		return nil
	}

	var seed *FileMetaData
	if compactPointer != nil {
		for _, f := range files {
			if CompareUserKeys(f.Smallest.UserKey, compactPointer) > 0 {
				seed = f
				break
			}
		}
	}
	if seed == nil {
		seed = files[0]
	}

	var inputs []*FileMetaData
	if level == 0 {
		smallest, largest := seed.Smallest.UserKey, seed.Largest.UserKey
		inputs = v.overlappingInputs(0, smallest, largest)
		// Level 0 files may overlap each other transitively; re-expand
		// until the range stabilizes.
		for {
			s, l := keyRange(inputs)
			grown := v.overlappingInputs(0, s, l)
			if len(grown) == len(inputs) {
				break
			}
			inputs = grown
		}
	} else {
		inputs = []*FileMetaData{seed}
	}

	smallest, largest := keyRange(inputs)
	nextInputs := v.overlappingInputs(level+1, smallest, largest)

	c := &Compaction{Level: level, Inputs: inputs, NextInputs: nextInputs}
	if level+2 < NumLevels {
		allSmallest, allLargest := keyRange(append(append([]*FileMetaData(nil), inputs...), nextInputs...))
		c.Grandparent = v.overlappingInputs(level+2, allSmallest, allLargest)
	}

	c.TrivialMove = level > 0 && len(inputs) == 1 && len(nextInputs) == 0 && len(c.Grandparent) <= 10

	return c
}

// GrandparentBoundaryHint precomputes grandparent file boundary keys so
// CrossesBoundary can do a cheap scan during a compaction's output loop.
type GrandparentBoundaryHint struct {
	boundaries [][]byte
}

// NewGrandparentBoundaryHint builds a hint from a compaction's
// grandparent file list.
func NewGrandparentBoundaryHint(grandparent []*FileMetaData) *GrandparentBoundaryHint {
	h := &GrandparentBoundaryHint{}
	for _, f := range grandparent {
		h.boundaries = append(h.boundaries, f.Largest.UserKey)
	}
	return h
}

// CrossesBoundary reports whether prevKey and newKey straddle a
// grandparent file boundary, used to decide whether an in-progress
// compaction output may be finalized even before MaxOutputFileSize is
// reached, bounding the future compaction work the output
// will cause when it in turn overlaps level+2.
func (h *GrandparentBoundaryHint) CrossesBoundary(prevKey, newKey []byte) bool {
	for _, b := range h.boundaries {
		if CompareUserKeys(prevKey, b) <= 0 && CompareUserKeys(newKey, b) > 0 {
			return true
		}
	}
	return false
}
