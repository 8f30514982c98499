package comm

import (
	"github.com/cqkv/zonedb/model"
)

// Msg is the closed alphabet of verbs exchanged between workers.
// Every worker dispatches with a single exhaustive type switch; each
// message is consumed by exactly one worker.
type Msg interface {
	isMsg()
}

// Control verbs.

// Finish asks a worker to stop after draining its queue.
type Finish struct{}

// Ping asks a worker to prove liveness by replying Pong on Resp.
type Ping struct {
	From WorkerID
	Resp *Responder
}

// Pong is the liveness reply, carrying the responder's identity.
type Pong struct {
	From WorkerID
}

// Ok is the generic positive acknowledgement.
type Ok struct{}

// Fail carries an error back to a requester.
type Fail struct {
	Err error
}

// Write path verbs.

// Write asks a writer worker to append one record. The cache worker
// at CacheIndex replies to Resp once the record is indexed.
type Write struct {
	Key        []byte
	Value      []byte
	Meta       model.Meta
	CacheIndex int
	Resp       *Responder
}

// Insert tells a cache worker about a freshly appended record so it
// can be served without touching disk. The cache worker replies
// directly to the original caller on Resp.
type Insert struct {
	Key      []byte
	Value    []byte
	Loc      model.FileLocation
	IndexLen int
	Meta     model.Meta
	Resp     *Responder
}

// UpdateData adds a freshly appended record to the owning file state,
// optionally scheduling the superseded location for deletion.
type UpdateData struct {
	New      model.FileLocation
	IndexLen int
	Old      *model.FileLocation
	From     WorkerID
}

// ScheduleOld flags a superseded span for deletion, which is also the
// garbage-collection trigger point.
type ScheduleOld struct {
	Old  model.FileLocation
	From WorkerID
}

// Sync asks a writer worker to flush its live pair to stable storage.
type Sync struct {
	Resp *Responder
}

// Live file rotation verbs.

// NextLiveFile asks the zone allocator for the next file number.
type NextLiveFile struct {
	Resp *Responder
}

// UseLiveFile is the allocator's reply to NextLiveFile.
type UseLiveFile struct {
	Fnum model.FileNum
}

// CloseOldLiveFileState marks the old live file not-live and routes
// the opening of the new live file state.
type CloseOldLiveFileState struct {
	FnumOld    model.FileNum
	FnumNew    model.FileNum
	NewDatSize uint64
	NewIndSize uint64
	Resp       *Responder
}

// OpenNewLiveFileState installs a live state entry for a fresh pair.
type OpenNewLiveFileState struct {
	FnumNew    model.FileNum
	NewDatSize uint64
	NewIndSize uint64
	Resp       *Responder
}

// Read path verbs.

// ReadCache asks a cache worker for the stored location of a key.
type ReadCache struct {
	Key  []byte
	Resp *Responder
}

// CacheEntry is the cache worker's reply to ReadCache.
type CacheEntry struct {
	Found bool
	Loc   model.FileLocation
}

// ReadFileRequest asks the owning file state worker for permission to
// read a span; the reply is a ReadResult.
type ReadFileRequest struct {
	Fnum model.FileNum
	Loc  model.FileLocation
	Resp *Responder
}

// ReadResult grants a read. PostGc reports that the collector moved
// the record and Loc was redirected; the reader count was not
// incremented in that case and no ReadFinished is expected.
type ReadResult struct {
	Loc    model.FileLocation
	PostGc bool
}

// ReadFinished releases a granted read.
type ReadFinished struct {
	Fnum model.FileNum
}

// Garbage collection verbs.

// GcCtrl selects what a GcControl message switches.
type GcCtrl struct {
	On     *bool         // switch gc on or off
	Auto   *bool         // set automatic triggering
	Manual model.FileNum // force trigger evaluation for one file
}

// GcControl adjusts garbage collection behaviour on a file state
// worker.
type GcControl struct {
	Ctrl GcCtrl
	Resp *Responder
}

// CollectGarbage asks a collector to physically rewrite a file,
// dropping stale records.
type CollectGarbage struct {
	Fnum      model.FileNum
	State     *model.FileState
	FbotIndex int
}

// GcCacheUpdate carries post-compaction key relocations to a cache
// worker.
type GcCacheUpdate struct {
	Pairs []KeyLocation
	Resp  *Responder
}

// KeyLocation is one relocated record: where its key used to start
// and where it lives now.
type KeyLocation struct {
	Key      []byte
	OldStart uint64
	Loc      model.FileLocation
}

// GcCompleted reports a finished collection: the rebuilt state and
// the number of bytes reclaimed across both files.
type GcCompleted struct {
	Fnum    model.FileNum
	State   *model.FileState
	SizeDec uint64
}

// ProcessGcBuffer wraps a deferred message being replayed after
// garbage collection completed.
type ProcessGcBuffer struct {
	Msg Msg
}

// Introspection verbs.

// ShardFileSize is a file state worker's periodic occupancy report to
// its zone allocator.
type ShardFileSize struct {
	Shard int
	Size  uint64
}

// DumpKeys asks a cache worker for a snapshot of the keys it holds.
type DumpKeys struct {
	Resp *Responder
}

// KeysDump is the reply to DumpKeys, keys in ascending order.
type KeysDump struct {
	From WorkerID
	Keys [][]byte
}

// ZoneSize asks the zone allocator for the last reported occupancy.
type ZoneSize struct {
	Resp *Responder
}

// ZoneSizeReport is the reply to ZoneSize, built from the shard
// reports received so far.
type ZoneSizeReport struct {
	Zone   int
	Shards []uint64
	Total  uint64
}

// DumpFileStates asks a file state worker for a snapshot of its shard.
type DumpFileStates struct {
	Resp *Responder
}

// FileStatesDump is the reply to DumpFileStates.
type FileStatesDump struct {
	From   WorkerID
	Fnums  []model.FileNum
	States []*model.FileState
}

func (Finish) isMsg()                {}
func (Ping) isMsg()                  {}
func (Pong) isMsg()                  {}
func (Ok) isMsg()                    {}
func (Fail) isMsg()                  {}
func (Write) isMsg()                 {}
func (Insert) isMsg()                {}
func (UpdateData) isMsg()            {}
func (ScheduleOld) isMsg()           {}
func (Sync) isMsg()                  {}
func (NextLiveFile) isMsg()          {}
func (UseLiveFile) isMsg()           {}
func (CloseOldLiveFileState) isMsg() {}
func (OpenNewLiveFileState) isMsg()  {}
func (ReadCache) isMsg()             {}
func (CacheEntry) isMsg()            {}
func (ReadFileRequest) isMsg()       {}
func (ReadResult) isMsg()            {}
func (ReadFinished) isMsg()          {}
func (GcControl) isMsg()             {}
func (CollectGarbage) isMsg()        {}
func (GcCacheUpdate) isMsg()         {}
func (GcCompleted) isMsg()           {}
func (ProcessGcBuffer) isMsg()       {}
func (ShardFileSize) isMsg()         {}
func (DumpKeys) isMsg()              {}
func (KeysDump) isMsg()              {}
func (ZoneSize) isMsg()              {}
func (ZoneSizeReport) isMsg()        {}
func (DumpFileStates) isMsg()        {}
func (FileStatesDump) isMsg()        {}
