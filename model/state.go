package model

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// DataState tracks whether a span in a data file still holds the
// current value for its key.
type DataState uint8

const (
	DataCur DataState = iota // current version of the value for this key
	DataOld                  // superseded, waiting for garbage collection
)

func (ds DataState) String() string {
	if ds == DataCur {
		return "cur"
	}
	return "old"
}

var (
	ErrNoFileState     = errors.New("zonedb err: no state entry for file")
	ErrStateAccounting = errors.New("zonedb err: file state accounting out of bounds")
)

const stateTreeDegree = 8

// dataItem is a btree entry mapping a record start position to its
// data state.
type dataItem struct {
	start uint64
	state DataState
}

func (d *dataItem) Less(than btree.Item) bool {
	return d.start < than.(*dataItem).start
}

// moveItem maps a record's pre-GC start position to where the
// collector relocated it.
type moveItem struct {
	oldStart uint64
	newStart uint64
}

func (m *moveItem) Less(than btree.Item) bool {
	return m.oldStart < than.(*moveItem).oldStart
}

// FileState is the per-physical-file bookkeeping owned by exactly one
// file state worker: byte occupancy, reader count, garbage-collection
// status and the relocation map populated by the collector.
//
// Invariant: live == true implies exactly one writer owns the file
// and gcActive == false.
type FileState struct {
	datSize  uint64
	indSize  uint64
	live     bool
	oldSum   uint64
	oldCnt   int
	dmap     *btree.BTree // record start -> DataState
	mmap     *btree.BTree // pre-GC start -> post-GC start
	gcActive bool
	readers  int
}

func NewFileState() *FileState {
	return &FileState{
		dmap: btree.New(stateTreeDegree),
		mmap: btree.New(stateTreeDegree),
	}
}

// NewLiveFileState creates the state entry for a freshly opened live
// file pair.
func NewLiveFileState(datSize, indSize uint64) *FileState {
	fs := NewFileState()
	fs.datSize = datSize
	fs.indSize = indSize
	fs.live = true
	return fs
}

func (fs *FileState) DataFileSize() uint64  { return fs.datSize }
func (fs *FileState) IndexFileSize() uint64 { return fs.indSize }
func (fs *FileState) Live() bool            { return fs.live }
func (fs *FileState) OldSum() uint64        { return fs.oldSum }
func (fs *FileState) GcActive() bool        { return fs.gcActive }
func (fs *FileState) Readers() int          { return fs.readers }
func (fs *FileState) NoReaders() bool       { return fs.readers == 0 }
func (fs *FileState) DataMapLen() int       { return fs.dmap.Len() }
func (fs *FileState) MoveMapLen() int       { return fs.mmap.Len() }

func (fs *FileState) SetLive(live bool)         { fs.live = live }
func (fs *FileState) SetGc(active bool)         { fs.gcActive = active }
func (fs *FileState) SetDataFileSize(n uint64)  { fs.datSize = n }
func (fs *FileState) SetIndexFileSize(n uint64) { fs.indSize = n }

// DataState returns the state of the record starting at the given
// position, if one is known.
func (fs *FileState) DataState(start uint64) (DataState, bool) {
	item := fs.dmap.Get(&dataItem{start: start})
	if item == nil {
		return DataCur, false
	}
	return item.(*dataItem).state, true
}

// AscendData visits every known record span in start order.
func (fs *FileState) AscendData(fn func(start uint64, state DataState) bool) {
	fs.dmap.Ascend(func(item btree.Item) bool {
		d := item.(*dataItem)
		return fn(d.start, d.state)
	})
}

func (fs *FileState) IncReaders() error {
	if fs.readers == int(^uint(0)>>1) {
		return fmt.Errorf("%w: reader count is already at maximum", ErrStateAccounting)
	}
	fs.readers++
	return nil
}

func (fs *FileState) DecReaders() error {
	if fs.readers == 0 {
		return fmt.Errorf("%w: reader count is already zero", ErrStateAccounting)
	}
	fs.readers--
	return nil
}

// IsAllDataOld reports whether every tracked record has been
// superseded, by count.
func (fs *FileState) IsAllDataOld() bool {
	return fs.oldCnt == fs.dmap.Len()
}

// IsAllOld reports whether no current record remains, by scan.
func (fs *FileState) IsAllOld() bool {
	all := true
	fs.dmap.Ascend(func(item btree.Item) bool {
		if item.(*dataItem).state == DataCur {
			all = false
			return false
		}
		return true
	})
	return all
}

func (fs *FileState) NoPendingMoves() bool {
	return fs.mmap.Len() == 0
}

// InsertNew accounts for a freshly appended record: a current entry
// in the data map plus the data and index file growth. Returns the
// total bytes added across both files.
func (fs *FileState) InsertNew(floc *FileLocation, ilen int) int {
	fs.dmap.ReplaceOrInsert(&dataItem{start: floc.Start, state: DataCur})
	datLen := floc.Klen + floc.Vlen
	fs.datSize += datLen
	indLen := floc.Klen + uint64(ilen)
	fs.indSize += indLen
	return int(datLen + indLen)
}

// RegisterOld flags the span as superseded and adds it to the stale
// byte sum. A missing or already-old entry is a protocol violation.
func (fs *FileState) RegisterOld(dloc DataLocation) error {
	item := fs.dmap.Get(&dataItem{start: dloc.Start})
	if item == nil {
		return fmt.Errorf("%w: no data entry starting at %d to flag as old",
			ErrStateAccounting, dloc.Start)
	}
	d := item.(*dataItem)
	if d.state == DataOld {
		return fmt.Errorf("%w: data entry at %d already marked old",
			ErrStateAccounting, dloc.Start)
	}
	d.state = DataOld
	fs.oldSum += dloc.Len
	fs.oldCnt++
	return nil
}

// UpdateMoved records a collector relocation: the old span is dropped
// from the data map and remembered in the move map.
func (fs *FileState) UpdateMoved(oldStart, newStart uint64) {
	fs.mmap.ReplaceOrInsert(&moveItem{oldStart: oldStart, newStart: newStart})
	fs.dmap.Delete(&dataItem{start: oldStart})
}

// MapAndRemove consumes a relocation for the given pre-GC start, if
// one exists, installing the new start as current data.
func (fs *FileState) MapAndRemove(oldStart uint64) (uint64, bool) {
	item := fs.mmap.Delete(&moveItem{oldStart: oldStart})
	if item == nil {
		return 0, false
	}
	newStart := item.(*moveItem).newStart
	fs.dmap.ReplaceOrInsert(&dataItem{start: newStart, state: DataCur})
	return newStart, true
}

// Clone returns an independent copy, safe to hand to the collector
// while the owner keeps mutating the original.
func (fs *FileState) Clone() *FileState {
	cp := NewFileState()
	cp.datSize = fs.datSize
	cp.indSize = fs.indSize
	cp.live = fs.live
	cp.oldSum = fs.oldSum
	cp.oldCnt = fs.oldCnt
	cp.gcActive = fs.gcActive
	cp.readers = fs.readers
	fs.dmap.Ascend(func(item btree.Item) bool {
		d := item.(*dataItem)
		cp.dmap.ReplaceOrInsert(&dataItem{start: d.start, state: d.state})
		return true
	})
	fs.mmap.Ascend(func(item btree.Item) bool {
		m := item.(*moveItem)
		cp.mmap.ReplaceOrInsert(&moveItem{oldStart: m.oldStart, newStart: m.newStart})
		return true
	})
	return cp
}

// FileStateMap is one shard of a zone's file states, owned by a
// single file state worker. The shard for a file is fixed:
// ShardIndex(fnum, poolSize).
type FileStateMap struct {
	states map[FileNum]*FileState
	size   uint64 // sum of all data and index file sizes in this shard
}

func NewFileStateMap() *FileStateMap {
	return &FileStateMap{states: make(map[FileNum]*FileState)}
}

// ShardIndex is the deterministic file-to-worker assignment. It must
// never change while the system is live.
func ShardIndex(fnum FileNum, poolSize int) int {
	return int(fnum) % poolSize
}

func (fm *FileStateMap) Size() uint64 { return fm.size }
func (fm *FileStateMap) Len() int     { return len(fm.states) }

func (fm *FileStateMap) GetState(fnum FileNum) (*FileState, error) {
	fs, ok := fm.states[fnum]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoFileState, fnum)
	}
	return fs, nil
}

func (fm *FileStateMap) SetState(fnum FileNum, fs *FileState) {
	fm.states[fnum] = fs
}

func (fm *FileStateMap) Delete(fnum FileNum) {
	delete(fm.states, fnum)
}

// NewLiveFile installs a live state entry for a freshly opened pair.
func (fm *FileStateMap) NewLiveFile(fnum FileNum, datSize, indSize uint64) {
	fm.SetState(fnum, NewLiveFileState(datSize, indSize))
}

// InsertNew accounts for an appended record in the owning state entry
// and the shard size tally. The entry must already exist: writers
// open a live file state before the first append.
func (fm *FileStateMap) InsertNew(floc *FileLocation, ilen int) error {
	fs, err := fm.GetState(floc.Fnum)
	if err != nil {
		return err
	}
	fm.size += uint64(fs.InsertNew(floc, ilen))
	return nil
}

func (fm *FileStateMap) DecSize(n uint64) error {
	if n > fm.size {
		return fmt.Errorf("%w: shard size %d cannot shrink by %d",
			ErrStateAccounting, fm.size, n)
	}
	fm.size -= n
	return nil
}

// Each visits all state entries in unspecified order.
func (fm *FileStateMap) Each(fn func(fnum FileNum, fs *FileState)) {
	for fnum, fs := range fm.states {
		fn(fnum, fs)
	}
}
