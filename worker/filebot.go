package worker

import (
	"fmt"
	"time"

	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

// FileBot is the file state worker. Each instance owns the FileState
// of the files assigned to it by model.ShardIndex and is the only
// goroutine that ever mutates them. It brokers reads, schedules
// deletions, triggers garbage collection and buffers file-addressed
// messages while a collection is in flight.
type FileBot struct {
	bot
	states     *model.FileStateMap
	gcbuf      map[model.FileNum][]comm.Msg
	gcOn       bool
	autoGc     bool
	lastReport time.Time
}

// NewFileBot takes ownership of the given shard of file states,
// usually preloaded by the startup scan. A nil map starts empty.
func NewFileBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir, states *model.FileStateMap) *FileBot {
	if states == nil {
		states = model.NewFileStateMap()
	}
	return &FileBot{
		bot:        newBot(id, chanIn, chans, cfg, zdir),
		states:     states,
		gcbuf:      make(map[model.FileNum][]comm.Msg),
		gcOn:       cfg.GcOn,
		autoGc:     cfg.AutoGc,
		lastReport: time.Now(),
	}
}

func (fb *FileBot) Run() {
	for {
		msg, ok := fb.chanIn.RecvTimeout(fb.cfg.ReportInterval)
		if !ok {
			fb.reportShardSize()
			continue
		}
		if time.Since(fb.lastReport) > fb.cfg.ReportInterval {
			fb.reportShardSize()
		}
		if fb.listen(msg) {
			return
		}
	}
}

// listen dispatches one message, returning true when the worker must
// stop.
func (fb *FileBot) listen(msg comm.Msg) bool {
	if !fb.listenWork(msg) {
		return false
	}
	switch m := msg.(type) {
	case comm.CloseOldLiveFileState:
		fb.result(fb.closeOldLiveFileState(m))
	case comm.OpenNewLiveFileState:
		fb.openNewLiveFileState(m.FnumNew, m.NewDatSize, m.NewIndSize)
		fb.respond(m.Resp, comm.Ok{})
	case comm.GcControl:
		fb.gcControl(m)
	default:
		handled, stop := fb.handleCommon(msg)
		if !handled {
			fb.logger.Printf("unexpected message %T", msg)
		}
		return stop
	}
	return false
}

// listenWork handles the file-addressed verbs, unwrapping buffered
// replays. Returns false when the message was consumed.
func (fb *FileBot) listenWork(msg comm.Msg) bool {
	if wrapped, ok := msg.(comm.ProcessGcBuffer); ok {
		return fb.processWork(wrapped.Msg, true)
	}
	return fb.processWork(msg, false)
}

// processWork handles one file-addressed message. isReplay marks
// messages drained from a garbage-collection buffer, which are
// processed unconditionally. Returns true if the message is not a
// work verb and must fall through to command handling.
func (fb *FileBot) processWork(msg comm.Msg, isReplay bool) bool {
	switch m := msg.(type) {
	case comm.ScheduleOld:
		if !fb.gcGate(m.Old.Fnum, msg, isReplay) {
			fb.result(fb.scheduleDeletion(&m.Old, m.From))
		}
	case comm.UpdateData:
		fb.result(fb.updateData(m))
	case comm.GcCompleted:
		fb.gcCompleted(m)
	case comm.ReadFileRequest:
		if !fb.gcGate(m.Fnum, msg, isReplay) {
			fb.readFileRequest(m)
		}
	case comm.ReadFinished:
		if !fb.gcGate(m.Fnum, msg, isReplay) {
			fb.readFinished(m.Fnum)
		}
	case comm.DumpFileStates:
		fb.dumpFileStates(m)
	default:
		return true
	}
	return false
}

func (fb *FileBot) reportShardSize() {
	fb.lastReport = time.Now()
	zbot, err := fb.chans.Zbot(fb.id.Zone)
	if err != nil {
		fb.logger.Printf("cannot reach zone allocator: %v", err)
		return
	}
	if err = zbot.Send(comm.ShardFileSize{Shard: fb.id.Index, Size: fb.states.Size()}); err != nil {
		fb.logger.Printf("cannot send shard size update: %v", err)
	}
}

// gcGate is the buffering gate used by every file-addressed message.
// While collection is active for the file the message is appended to
// the file's buffer and true (buffered) is returned. When collection
// has just completed, the buffer is replayed in original arrival
// order through the normal handlers, then the gate re-evaluates: a
// replayed deletion may have re-triggered collection, in which case
// the incoming message is buffered in the new buffer.
func (fb *FileBot) gcGate(fnum model.FileNum, msg comm.Msg, isReplay bool) bool {
	if isReplay {
		return false
	}
	buffered, exists := fb.gcbuf[fnum]
	if !exists {
		return false
	}

	fstat, err := fb.states.GetState(fnum)
	if err != nil {
		fb.logger.Printf("a gc buffer exists for file %d but no file state does, dropping %T: %v",
			fnum, msg, err)
		return true
	}
	if fstat.GcActive() {
		if msg != nil {
			fb.gcbuf[fnum] = append(buffered, msg)
		}
		return true
	}

	// Collection finished: replay in arrival order, then re-evaluate.
	delete(fb.gcbuf, fnum)
	for _, deferred := range buffered {
		fb.listenWork(comm.ProcessGcBuffer{Msg: deferred})
	}
	return fb.gcGate(fnum, msg, false)
}

func (fb *FileBot) scheduleDeletion(floc *model.FileLocation, from comm.WorkerID) error {
	fstat, err := fb.states.GetState(floc.Fnum)
	if err != nil {
		return fmt.Errorf("request from %v to delete %+v: %w", from, *floc, err)
	}

	// Map to the post-GC start position if this span was moved while
	// the deletion request was backed up.
	loc := *floc
	if newStart, moved := fstat.MapAndRemove(loc.KeyVal().Start); moved {
		loc.Start = newStart
	}
	if err = fstat.RegisterOld(loc.KeyVal()); err != nil {
		return fmt.Errorf("file %d: %w", loc.Fnum, err)
	}

	if fb.gcOn && fb.autoGc {
		return fb.maybeCollect(loc.Fnum, false)
	}
	return nil
}

// maybeCollect evaluates the garbage-collection trigger policy for
// one file. When forced, the occupancy threshold and the automatic-GC
// switch are bypassed; the safety conditions never are.
func (fb *FileBot) maybeCollect(fnum model.FileNum, force bool) error {
	fstat, err := fb.states.GetState(fnum)
	if err != nil {
		return err
	}
	if fstat.GcActive() {
		return nil
	}

	oldFrac := float64(fstat.OldSum()) / float64(fb.cfg.MaxFileBytes)
	triggered := oldFrac > fb.cfg.GcTriggerFraction || fstat.IsAllDataOld()
	if force {
		triggered = true
	}
	// The zero-reader requirement applies to both collection paths:
	// the fast path deletes files a reader could still be holding.
	if !triggered || !fstat.NoPendingMoves() || fstat.Live() || !fstat.NoReaders() {
		return nil
	}

	if fstat.IsAllOld() {
		// Nothing current remains: delete the pair outright, no
		// collector involved.
		if err = fb.zdir.RemovePair(fnum); err != nil {
			return err
		}
		if err = fb.states.DecSize(fstat.DataFileSize() + fstat.IndexFileSize()); err != nil {
			fb.logger.Printf("file %d: %v", fnum, err)
		}
		fb.states.Delete(fnum)
		fb.logger.Printf("all data in file %d is old, file pair deleted", fnum)
		return nil
	}

	gbots, err := fb.chans.WorkersOfType(fb.id.Zone, comm.WorkerGc)
	if err != nil {
		return err
	}
	gbot, _ := gbots.Choose(comm.Randomly())
	if err = gbot.Send(comm.CollectGarbage{
		Fnum:      fnum,
		State:     fstat.Clone(),
		FbotIndex: fb.id.Index,
	}); err != nil {
		return err
	}
	// Buffer first, flag last: once the flag is set every message for
	// this file defers, so there must never be a window with a buffer
	// but direct processing.
	fb.gcbuf[fnum] = nil
	fstat.SetGc(true)
	return nil
}

func (fb *FileBot) updateData(m comm.UpdateData) error {
	if err := fb.states.InsertNew(&m.New, m.IndexLen); err != nil {
		return fmt.Errorf("request from %v to insert %+v: %w", m.From, m.New, err)
	}

	// Route the superseded span to the worker owning its file, which
	// may be this very worker.
	if m.Old == nil {
		return nil
	}
	fbots, err := fb.chans.WorkersOfType(fb.id.Zone, comm.WorkerFile)
	if err != nil {
		return err
	}
	chn, ind := fbots.Choose(comm.ByFile(m.Old.Fnum))
	if ind == fb.id.Index {
		if fb.gcGate(m.Old.Fnum, comm.ScheduleOld{Old: *m.Old, From: m.From}, false) {
			return nil
		}
		return fb.scheduleDeletion(m.Old, m.From)
	}
	return chn.Send(comm.ScheduleOld{Old: *m.Old, From: m.From})
}

func (fb *FileBot) gcCompleted(m comm.GcCompleted) {
	if _, err := fb.states.GetState(m.Fnum); err != nil {
		fb.logger.Printf("cannot install post-gc state for file %d: %v", m.Fnum, err)
		return
	}
	m.State.SetGc(false)
	fb.states.SetState(m.Fnum, m.State)
	// Replay everything deferred while the collector ran.
	fb.gcGate(m.Fnum, nil, false)
	if err := fb.states.DecSize(m.SizeDec); err != nil {
		fb.logger.Printf("file %d: %v", m.Fnum, err)
	}
}

func (fb *FileBot) readFileRequest(m comm.ReadFileRequest) {
	fstat, err := fb.states.GetState(m.Fnum)
	if err != nil {
		fb.respond(m.Resp, comm.Fail{Err: fmt.Errorf("read file request for file %d: %w", m.Fnum, err)})
		return
	}

	loc := m.Loc
	postGc := false
	if newStart, moved := fstat.MapAndRemove(loc.KeyVal().Start); moved {
		loc.Start = newStart
		postGc = true
	}
	if !postGc {
		// Post-GC reads are not counted: the collector is the de
		// facto owner of relocated data during the transition.
		fb.result(fstat.IncReaders())
	}
	fb.respond(m.Resp, comm.ReadResult{Loc: loc, PostGc: postGc})
}

func (fb *FileBot) readFinished(fnum model.FileNum) {
	fstat, err := fb.states.GetState(fnum)
	if err != nil {
		// Benign: the read may have raced the file's removal.
		fb.logger.Printf("read completion for file %d but its state no longer exists, ignoring", fnum)
		return
	}
	fb.result(fstat.DecReaders())
}

func (fb *FileBot) closeOldLiveFileState(m comm.CloseOldLiveFileState) error {
	if m.FnumOld > 0 {
		fstat, err := fb.states.GetState(m.FnumOld)
		if err != nil {
			return fmt.Errorf("request to close old live file %d state: %w", m.FnumOld, err)
		}
		fstat.SetLive(false)
	}

	// The new file may belong to another worker in the pool, or to
	// this very one; the assignment is deterministic either way.
	fbots, err := fb.chans.WorkersOfType(fb.id.Zone, comm.WorkerFile)
	if err != nil {
		return err
	}
	chn, ind := fbots.Choose(comm.ByFile(m.FnumNew))
	if ind == fb.id.Index {
		fb.openNewLiveFileState(m.FnumNew, m.NewDatSize, m.NewIndSize)
		fb.respond(m.Resp, comm.Ok{})
		return nil
	}
	return chn.Send(comm.OpenNewLiveFileState{
		FnumNew:    m.FnumNew,
		NewDatSize: m.NewDatSize,
		NewIndSize: m.NewIndSize,
		Resp:       m.Resp,
	})
}

func (fb *FileBot) openNewLiveFileState(fnum model.FileNum, datSize, indSize uint64) {
	fb.states.NewLiveFile(fnum, datSize, indSize)
}

func (fb *FileBot) gcControl(m comm.GcControl) {
	switch {
	case m.Ctrl.On != nil:
		fb.gcOn = *m.Ctrl.On
	case m.Ctrl.Auto != nil:
		fb.autoGc = *m.Ctrl.Auto
	case m.Ctrl.Manual > 0:
		// Only meaningful on the worker owning the file; others
		// simply find no state entry.
		if _, err := fb.states.GetState(m.Ctrl.Manual); err == nil {
			fb.result(fb.maybeCollect(m.Ctrl.Manual, true))
		}
	}
	fb.respond(m.Resp, comm.Ok{})
}

func (fb *FileBot) dumpFileStates(m comm.DumpFileStates) {
	dump := comm.FileStatesDump{From: fb.id}
	fb.states.Each(func(fnum model.FileNum, fs *model.FileState) {
		dump.Fnums = append(dump.Fnums, fnum)
		dump.States = append(dump.States, fs.Clone())
	})
	fb.respond(m.Resp, dump)
}
