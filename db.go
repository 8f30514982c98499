package zonedb

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cqkv/zonedb/codec"
	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/utils"
	"github.com/cqkv/zonedb/worker"
	"github.com/cqkv/zonedb/zone"
)

// DB is an embedded key/value store partitioned into zones, each
// served by its own pools of cache, file state, writer and collector
// workers. All public methods are safe for concurrent use: they only
// send messages and wait for replies.
type DB struct {
	opts    *options
	dirLock fio.FileLocker
	cdc     codec.Codec
	chans   *comm.Channels
	handles *worker.Handles
	zdirs   []zone.Dir
	closed  atomic.Bool

	// identity used in replies so worker logs can name the caller
	clientID comm.WorkerID
}

// Open locks the database directory, replays every zone's index files
// into memory and starts the worker pools.
func Open(dirPath string, opts ...Option) (*DB, error) {
	o := defaultOptions(dirPath)
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, err
	}

	dirLock := fio.NewFlock(dirPath)
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrDirIsUsing
	}

	cdc := o.codec
	if cdc == nil {
		cdc = codec.NewCodecImpl(o.checksummer)
	}
	cfg := &worker.Config{
		MaxFileBytes:      o.maxFileBytes,
		GcTriggerFraction: o.gcTriggerFraction,
		GcOn:              o.gcOn,
		AutoGc:            o.autoGc,
		RequestTimeout:    o.requestTimeout,
		ReportInterval:    o.reportInterval,
		IOCreator:         o.ioManagerCreator,
		Codec:             cdc,
	}

	chans := comm.NewChannels(o.numZones,
		o.numCacheBots, o.numFileBots, o.numWriterBots, o.numGcBots,
		o.channelCapacity)
	handles := worker.NewHandles(chans, o.checkInterval, o.shutdownMaxWait)

	db := &DB{
		opts:     o,
		dirLock:  dirLock,
		cdc:      cdc,
		chans:    chans,
		handles:  handles,
		zdirs:    make([]zone.Dir, o.numZones),
		clientID: comm.WorkerID{Type: comm.WorkerZone, Zone: -1},
	}

	// Workers of earlier zones are already running when a later zone
	// fails; they must be stopped before the lock is given up.
	abort := func(err error) (*DB, error) {
		handles.RequestStopAll()
		dirLock.Unlock()
		return nil, err
	}
	for z := 0; z < o.numZones; z++ {
		zdir := zone.NewDir(dirPath, z)
		if err = zdir.Ensure(); err != nil {
			return abort(err)
		}
		db.zdirs[z] = zdir

		zl, lerr := loadZone(zdir, cdc, o.numZones, o.numCacheBots, o.numFileBots)
		if lerr != nil {
			return abort(fmt.Errorf("zone %d: %w", z, lerr))
		}
		if serr := db.spawnZone(z, cfg, zl); serr != nil {
			return abort(serr)
		}
	}
	return db, nil
}

func (db *DB) spawnZone(z int, cfg *worker.Config, zl *zoneLoad) error {
	zdir := db.zdirs[z]
	for i := 0; i < db.opts.numCacheBots; i++ {
		id := comm.WorkerID{Type: comm.WorkerCache, Zone: z, Index: i}
		chn, err := db.chans.Get(id)
		if err != nil {
			return err
		}
		cb := worker.NewCacheBot(id, chn, db.chans, cfg, zdir, zl.keydirs[i])
		db.handles.Spawn(id, chn, cb.Run)
	}
	for i := 0; i < db.opts.numFileBots; i++ {
		id := comm.WorkerID{Type: comm.WorkerFile, Zone: z, Index: i}
		chn, err := db.chans.Get(id)
		if err != nil {
			return err
		}
		fb := worker.NewFileBot(id, chn, db.chans, cfg, zdir, zl.states[i])
		db.handles.Spawn(id, chn, fb.Run)
	}
	for i := 0; i < db.opts.numWriterBots; i++ {
		id := comm.WorkerID{Type: comm.WorkerWriter, Zone: z, Index: i}
		chn, err := db.chans.Get(id)
		if err != nil {
			return err
		}
		wb := worker.NewWriterBot(id, chn, db.chans, cfg, zdir)
		db.handles.Spawn(id, chn, wb.Run)
	}
	for i := 0; i < db.opts.numGcBots; i++ {
		id := comm.WorkerID{Type: comm.WorkerGc, Zone: z, Index: i}
		chn, err := db.chans.Get(id)
		if err != nil {
			return err
		}
		gb := worker.NewGcBot(id, chn, db.chans, cfg, zdir)
		db.handles.Spawn(id, chn, gb.Run)
	}

	id := comm.WorkerID{Type: comm.WorkerZone, Zone: z}
	chn, err := db.chans.Get(id)
	if err != nil {
		return err
	}
	zb := worker.NewZoneBot(id, chn, db.chans, cfg, zdir, zl.maxFnum, db.opts.numFileBots)
	db.handles.Spawn(id, chn, zb.Run)
	return nil
}

// route maps a key to its zone and cache worker shard. The mapping is
// fixed for the life of the directory: both pool sizes are part of
// the layout.
func (db *DB) route(key []byte) (z int, cacheIndex int) {
	crc := utils.GenerateCrc(key)
	return int(crc % uint32(db.opts.numZones)),
		cacheShard(crc, db.opts.numZones, db.opts.numCacheBots)
}

// cacheShard is shared with the startup scan, which must rebuild each
// cache worker's shard exactly as live routing would fill it.
func cacheShard(crc uint32, numZones, numCache int) int {
	return int(crc/uint32(numZones)) % numCache
}

// Put stores a key/value pair. It returns once the record is durable
// in the zone's live pair and visible in the cache shard.
func (db *DB) Put(key, value []byte) error {
	return db.append(key, value, model.Meta{Timestamp: time.Now().UnixNano()})
}

// Delete removes a key by appending a tombstone. Deleting an absent
// key is not an error: the tombstone is appended and immediately
// scheduled stale.
func (db *DB) Delete(key []byte) error {
	return db.append(key, nil, model.Meta{Tombstone: true, Timestamp: time.Now().UnixNano()})
}

func (db *DB) append(key, value []byte, meta model.Meta) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	z, ci := db.route(key)
	wbots, err := db.chans.WorkersOfType(z, comm.WorkerWriter)
	if err != nil {
		return err
	}
	chn, _ := wbots.Choose(comm.Randomly())

	resp := comm.NewResponder(db.clientID)
	if err = chn.Send(comm.Write{
		Key:        key,
		Value:      value,
		Meta:       meta,
		CacheIndex: ci,
		Resp:       resp,
	}); err != nil {
		return err
	}
	if err = resp.RecvResult(db.opts.requestTimeout); err != nil {
		if errors.Is(err, comm.ErrRecvTimeout) {
			return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
		return err
	}
	return nil
}

// Get reads the current value for a key. The location comes from the
// key's cache shard, read permission from the file's state worker,
// and the bytes from disk.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	z, ci := db.route(key)
	cbots, err := db.chans.WorkersOfType(z, comm.WorkerCache)
	if err != nil {
		return nil, err
	}
	cbot, err := cbots.Get(ci)
	if err != nil {
		return nil, err
	}

	resp := comm.NewResponder(db.clientID)
	if err = cbot.Send(comm.ReadCache{Key: key, Resp: resp}); err != nil {
		return nil, err
	}
	reply, err := resp.Recv(db.opts.requestTimeout)
	if err != nil {
		return nil, db.readErr(err)
	}
	entry, ok := reply.(comm.CacheEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected cache reply %T", reply)
	}
	if !entry.Found {
		return nil, ErrNoRecord
	}
	return db.readValue(z, entry.Loc)
}

// readValue asks the owning file state worker for the span, copies
// the bytes off disk and releases the read.
func (db *DB) readValue(z int, loc model.FileLocation) ([]byte, error) {
	fbots, err := db.chans.WorkersOfType(z, comm.WorkerFile)
	if err != nil {
		return nil, err
	}
	fbot, _ := fbots.Choose(comm.ByFile(loc.Fnum))

	resp := comm.NewResponder(db.clientID)
	if err = fbot.Send(comm.ReadFileRequest{Fnum: loc.Fnum, Loc: loc, Resp: resp}); err != nil {
		return nil, err
	}
	reply, err := resp.Recv(db.opts.requestTimeout)
	if err != nil {
		return nil, db.readErr(err)
	}
	switch m := reply.(type) {
	case comm.ReadResult:
		value, rerr := db.readRecord(z, m.Loc)
		if !m.PostGc {
			// Release regardless of the read outcome.
			if serr := fbot.Send(comm.ReadFinished{Fnum: loc.Fnum}); serr != nil && rerr == nil {
				rerr = serr
			}
		}
		return value, rerr
	case comm.Fail:
		return nil, m.Err
	default:
		return nil, fmt.Errorf("unexpected read reply %T", reply)
	}
}

func (db *DB) readRecord(z int, loc model.FileLocation) ([]byte, error) {
	df, err := db.zdirs[z].OpenDataRead(loc.Fnum)
	if err != nil {
		return nil, err
	}
	defer df.Close()
	rec, _, err := db.cdc.ReadRecord(df, int64(loc.Start))
	if err != nil {
		return nil, err
	}
	if rec.Tombstone {
		return nil, ErrNoRecord
	}
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	return value, nil
}

func (db *DB) readErr(err error) error {
	if errors.Is(err, comm.ErrRecvTimeout) {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	return err
}

// Keys returns every key in the store, gathered from all cache
// shards. Order is ascending only within a shard.
func (db *DB) Keys() ([][]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	var keys [][]byte
	for z := 0; z < db.opts.numZones; z++ {
		cbots, err := db.chans.WorkersOfType(z, comm.WorkerCache)
		if err != nil {
			return nil, err
		}
		for i := 0; i < cbots.Len(); i++ {
			chn, err := cbots.Get(i)
			if err != nil {
				return nil, err
			}
			resp := comm.NewResponder(db.clientID)
			if err = chn.Send(comm.DumpKeys{Resp: resp}); err != nil {
				return nil, err
			}
			reply, err := resp.Recv(db.opts.requestTimeout)
			if err != nil {
				return nil, db.readErr(err)
			}
			dump, ok := reply.(comm.KeysDump)
			if !ok {
				return nil, fmt.Errorf("unexpected keys reply %T", reply)
			}
			keys = append(keys, dump.Keys...)
		}
	}
	return keys, nil
}

// Sync flushes every zone's live pair to stable storage.
func (db *DB) Sync() error {
	if db.closed.Load() {
		return ErrClosed
	}
	for z := 0; z < db.opts.numZones; z++ {
		wbots, err := db.chans.WorkersOfType(z, comm.WorkerWriter)
		if err != nil {
			return err
		}
		for i := 0; i < wbots.Len(); i++ {
			chn, err := wbots.Get(i)
			if err != nil {
				return err
			}
			resp := comm.NewResponder(db.clientID)
			if err = chn.Send(comm.Sync{Resp: resp}); err != nil {
				return err
			}
			if err = resp.RecvResult(db.opts.requestTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetGc switches garbage collection on or off across all zones.
func (db *DB) SetGc(on bool) error {
	return db.gcControl(comm.GcCtrl{On: &on})
}

// SetAutoGc switches automatic trigger evaluation across all zones.
func (db *DB) SetAutoGc(auto bool) error {
	return db.gcControl(comm.GcCtrl{Auto: &auto})
}

// CollectFile forces trigger evaluation for one file in one zone,
// bypassing the occupancy threshold. The safety conditions (not live,
// no readers, no pending moves) still apply.
func (db *DB) CollectFile(z int, fnum model.FileNum) error {
	if z < 0 || z >= db.opts.numZones {
		return comm.ErrUnknownWorker
	}
	return db.gcControlZone(z, comm.GcCtrl{Manual: fnum})
}

func (db *DB) gcControl(ctrl comm.GcCtrl) error {
	for z := 0; z < db.opts.numZones; z++ {
		if err := db.gcControlZone(z, ctrl); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) gcControlZone(z int, ctrl comm.GcCtrl) error {
	if db.closed.Load() {
		return ErrClosed
	}
	fbots, err := db.chans.WorkersOfType(z, comm.WorkerFile)
	if err != nil {
		return err
	}
	for i := 0; i < fbots.Len(); i++ {
		chn, err := fbots.Get(i)
		if err != nil {
			return err
		}
		resp := comm.NewResponder(db.clientID)
		if err = chn.Send(comm.GcControl{Ctrl: ctrl, Resp: resp}); err != nil {
			return err
		}
		if err = resp.RecvResult(db.opts.requestTimeout); err != nil {
			return err
		}
	}
	return nil
}

// FileStat is one file's occupancy snapshot.
type FileStat struct {
	Zone       int
	Fnum       model.FileNum
	DataBytes  uint64
	IndexBytes uint64
	StaleBytes uint64
	Live       bool
	GcActive   bool
	Readers    int
}

// ZoneStat aggregates one zone.
type ZoneStat struct {
	Zone       int
	TotalBytes uint64
	Files      []FileStat
}

// Stats gathers a point-in-time occupancy snapshot from every zone.
func (db *DB) Stats() ([]ZoneStat, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	stats := make([]ZoneStat, db.opts.numZones)
	for z := 0; z < db.opts.numZones; z++ {
		stats[z].Zone = z

		zbot, err := db.chans.Zbot(z)
		if err != nil {
			return nil, err
		}
		resp := comm.NewResponder(db.clientID)
		if err = zbot.Send(comm.ZoneSize{Resp: resp}); err != nil {
			return nil, err
		}
		reply, err := resp.Recv(db.opts.requestTimeout)
		if err != nil {
			return nil, db.readErr(err)
		}
		if report, ok := reply.(comm.ZoneSizeReport); ok {
			stats[z].TotalBytes = report.Total
		}

		fbots, err := db.chans.WorkersOfType(z, comm.WorkerFile)
		if err != nil {
			return nil, err
		}
		for i := 0; i < fbots.Len(); i++ {
			chn, err := fbots.Get(i)
			if err != nil {
				return nil, err
			}
			dresp := comm.NewResponder(db.clientID)
			if err = chn.Send(comm.DumpFileStates{Resp: dresp}); err != nil {
				return nil, err
			}
			dreply, err := dresp.Recv(db.opts.requestTimeout)
			if err != nil {
				return nil, db.readErr(err)
			}
			dump, ok := dreply.(comm.FileStatesDump)
			if !ok {
				return nil, fmt.Errorf("unexpected dump reply %T", dreply)
			}
			for j, fnum := range dump.Fnums {
				fs := dump.States[j]
				stats[z].Files = append(stats[z].Files, FileStat{
					Zone:       z,
					Fnum:       fnum,
					DataBytes:  fs.DataFileSize(),
					IndexBytes: fs.IndexFileSize(),
					StaleBytes: fs.OldSum(),
					Live:       fs.Live(),
					GcActive:   fs.GcActive(),
					Readers:    fs.Readers(),
				})
			}
		}
	}
	return stats, nil
}

// Unresponsive pings every worker and reports those that did not
// answer within the timeout.
func (db *DB) Unresponsive(timeout time.Duration) (int, []comm.WorkerID) {
	return db.handles.Unresponsive(timeout)
}

// DeadWorkers reports workers whose goroutines have exited.
func (db *DB) DeadWorkers() []comm.WorkerID {
	return db.handles.DeadWorkers()
}

// Close shuts the store down cooperatively: Finish is broadcast,
// queues are given a bounded time to drain, stragglers are logged,
// and the directory lock is released.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	db.handles.RequestStopAll()
	return db.dirLock.Unlock()
}
