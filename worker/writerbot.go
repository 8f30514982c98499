package worker

import (
	"errors"
	"fmt"
	"io"

	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

var (
	ErrValueTooBig     = errors.New("zonedb err: key and value exceed the file size ceiling")
	ErrRewindFailed    = errors.New("zonedb err: cannot rewind live data file after partial write")
	ErrNoLiveFileReply = errors.New("zonedb err: no reply from the zone allocator for a new live file")
)

// WriterBot owns the zone's live (data, index) file pair while it
// holds it and is the only worker that appends. Rotation to a fresh
// pair happens when the next record would push the data file past the
// configured size ceiling.
type WriterBot struct {
	bot
	pair *model.LivePair
}

func NewWriterBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir) *WriterBot {
	return &WriterBot{bot: newBot(id, chanIn, chans, cfg, zdir)}
}

func (wb *WriterBot) Run() {
	for {
		msg := wb.chanIn.Recv()
		switch m := msg.(type) {
		case comm.Write:
			if err := wb.write(m); err != nil {
				wb.respond(m.Resp, comm.Fail{Err: err})
			}
		case comm.Sync:
			if wb.pair != nil {
				if err := wb.pair.Sync(); err != nil {
					wb.respond(m.Resp, comm.Fail{Err: err})
					break
				}
			}
			wb.respond(m.Resp, comm.Ok{})
		default:
			handled, stop := wb.handleCommon(msg)
			if !handled {
				wb.logger.Printf("unexpected message %T", msg)
			}
			if stop {
				if wb.pair != nil {
					wb.result(wb.pair.Close())
				}
				return
			}
		}
	}
}

// write appends one record to the live pair and forwards the resulting
// location to the cache worker chosen by the caller. The caller's
// response is sent by that cache worker once the index is updated, so
// a client never observes a write its cache shard cannot serve.
func (wb *WriterBot) write(m comm.Write) error {
	rec := &model.Record{Key: m.Key, Value: m.Value, Tombstone: m.Meta.Tombstone, Time: m.Meta.Timestamp}
	frame, flen, err := wb.cfg.Codec.MarshalRecord(rec)
	if err != nil {
		return err
	}
	// Reject before any I/O: an oversized record could never fit even
	// in an empty file.
	if uint64(flen) > wb.cfg.MaxFileBytes {
		return fmt.Errorf("%w: record needs %d bytes, ceiling is %d",
			ErrValueTooBig, flen, wb.cfg.MaxFileBytes)
	}

	if wb.pair == nil || wb.pair.Dat.Size+uint64(flen) > wb.cfg.MaxFileBytes {
		if err = wb.rotate(); err != nil {
			return err
		}
	}

	start := wb.pair.Dat.Size
	if err = wb.appendData(frame); err != nil {
		return err
	}

	sfloc := model.NewStoredFileLocation(
		wb.pair.Fnum, start, uint64(len(m.Key)), uint64(len(m.Value)),
		m.Meta.Timestamp, wb.cfg.Codec.Checksummer(),
	)
	entry, elen, err := wb.cfg.Codec.MarshalIndexEntry(m.Key, sfloc)
	if err != nil {
		return err
	}
	if err = wb.appendIndex(entry, elen); err != nil {
		return err
	}

	cbots, err := wb.chans.WorkersOfType(wb.id.Zone, comm.WorkerCache)
	if err != nil {
		return err
	}
	cbot, err := cbots.Get(m.CacheIndex)
	if err != nil {
		return err
	}
	return cbot.Send(comm.Insert{
		Key:   m.Key,
		Value: m.Value,
		Loc:   sfloc.Floc,
		// The key bytes repeat in both files; only the location
		// framing is index-specific.
		IndexLen: int(elen) - len(m.Key),
		Meta:     m.Meta,
		Resp:     m.Resp,
	})
}

// appendData writes the framed record, rewinding the file on a short
// write so the next append reuses the space. A failed rewind leaves
// the file poisoned and is a severe error.
func (wb *WriterBot) appendData(frame []byte) error {
	prev := int64(wb.pair.Dat.Size)
	n, werr := wb.pair.Dat.IO.Write(frame)
	if werr == nil && n == len(frame) {
		wb.pair.Dat.Size += uint64(n)
		return nil
	}

	pos, serr := wb.pair.Dat.IO.Seek(prev, io.SeekStart)
	if serr != nil || pos != prev {
		return fmt.Errorf("%w: wrote %d of %d bytes at %d, seek gave offset %d: %v (write error: %v)",
			ErrRewindFailed, n, len(frame), prev, pos, serr, werr)
	}
	if terr := wb.pair.Dat.IO.Truncate(prev); terr != nil {
		return fmt.Errorf("%w: truncate to %d: %v (write error: %v)",
			ErrRewindFailed, prev, terr, werr)
	}
	return fmt.Errorf("partial write to %s recovered, %d of %d bytes discarded: %w",
		wb.pair.Dat.Path, n, len(frame), werr)
}

// appendIndex does not rewind: a torn index entry is repaired by the
// startup scan, which rebuilds the index from the data file.
func (wb *WriterBot) appendIndex(entry []byte, elen int64) error {
	n, err := wb.pair.Ind.IO.Write(entry)
	if err != nil || int64(n) != elen {
		return fmt.Errorf("index append to %s wrote %d of %d bytes, file may need repair: %w",
			wb.pair.Ind.Path, n, elen, err)
	}
	wb.pair.Ind.Size += uint64(n)
	return nil
}

// rotate closes the current pair, asks the zone allocator for the next
// file number, opens the new pair and hands the state transition to
// the file workers. The writer does not append again until a file
// worker confirms the live state exists.
func (wb *WriterBot) rotate() error {
	var fnumOld model.FileNum
	if wb.pair != nil {
		fnumOld = wb.pair.Fnum
		if err := wb.pair.Close(); err != nil {
			return err
		}
		wb.pair = nil
	}

	zbot, err := wb.chans.Zbot(wb.id.Zone)
	if err != nil {
		return err
	}
	resp := comm.NewResponder(wb.id)
	if err = zbot.Send(comm.NextLiveFile{Resp: resp}); err != nil {
		return err
	}
	reply, err := resp.Recv(wb.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoLiveFileReply, err)
	}
	use, ok := reply.(comm.UseLiveFile)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrNoLiveFileReply, reply)
	}

	pair, err := wb.zdir.OpenLive(use.Fnum, wb.cfg.IOCreator)
	if err != nil {
		return err
	}
	wb.pair = pair

	fbots, err := wb.chans.WorkersOfType(wb.id.Zone, comm.WorkerFile)
	if err != nil {
		return err
	}
	stateResp := comm.NewResponder(wb.id)
	closeMsg := comm.CloseOldLiveFileState{
		FnumOld:    fnumOld,
		FnumNew:    pair.Fnum,
		NewDatSize: pair.Dat.Size,
		NewIndSize: pair.Ind.Size,
		Resp:       stateResp,
	}
	if fnumOld > 0 {
		chn, _ := fbots.Choose(comm.ByFile(fnumOld))
		if err = chn.Send(closeMsg); err != nil {
			return err
		}
	} else {
		chn, _ := fbots.Choose(comm.ByFile(pair.Fnum))
		if err = chn.Send(comm.OpenNewLiveFileState{
			FnumNew:    pair.Fnum,
			NewDatSize: pair.Dat.Size,
			NewIndSize: pair.Ind.Size,
			Resp:       stateResp,
		}); err != nil {
			return err
		}
	}
	if err = stateResp.RecvResult(wb.cfg.RequestTimeout); err != nil {
		return fmt.Errorf("live file %d state handoff: %w", pair.Fnum, err)
	}
	return nil
}
