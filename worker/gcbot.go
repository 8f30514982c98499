package worker

import (
	"fmt"
	"os"

	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

const gcTempSuffix = ".gc"

// GcBot rewrites files whose stale fraction crossed the trigger,
// copying only current records into a fresh pair and renaming it over
// the original. While it runs, the owning file state worker buffers
// every message addressed to the file, so the collector works on a
// frozen snapshot.
type GcBot struct {
	bot
}

func NewGcBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir) *GcBot {
	return &GcBot{bot: newBot(id, chanIn, chans, cfg, zdir)}
}

func (gb *GcBot) Run() {
	for {
		msg := gb.chanIn.Recv()
		switch m := msg.(type) {
		case comm.CollectGarbage:
			gb.collect(m)
		default:
			handled, stop := gb.handleCommon(msg)
			if !handled {
				gb.logger.Printf("unexpected message %T", msg)
			}
			if stop {
				return
			}
		}
	}
}

// collect runs one compaction end to end. On any failure the original
// pair is left untouched and the unchanged state is returned, so the
// owner always unblocks its buffered messages.
func (gb *GcBot) collect(m comm.CollectGarbage) {
	newState, moved, sizeDec, err := gb.compact(m.Fnum, m.State)
	if err != nil {
		gb.logger.Printf("collection of file %d failed, file left as is: %v", m.Fnum, err)
		gb.complete(m, m.State, 0)
		return
	}

	if len(moved) > 0 {
		if err = gb.updateCaches(moved); err != nil {
			gb.logger.Printf("cache update after collecting file %d: %v", m.Fnum, err)
		}
	}
	gb.complete(m, newState, sizeDec)
}

func (gb *GcBot) complete(m comm.CollectGarbage, state *model.FileState, sizeDec uint64) {
	fbots, err := gb.chans.WorkersOfType(gb.id.Zone, comm.WorkerFile)
	if err != nil {
		gb.logger.Printf("%v", err)
		return
	}
	fbot, err := fbots.Get(m.FbotIndex)
	if err != nil {
		gb.logger.Printf("%v", err)
		return
	}
	if err = fbot.Send(comm.GcCompleted{Fnum: m.Fnum, State: state, SizeDec: sizeDec}); err != nil {
		gb.logger.Printf("cannot report collection of file %d: %v", m.Fnum, err)
	}
}

// compact walks the data file in append order, copying every record
// still current into a temporary pair, then renames it into place.
// Records the snapshot does not know are kept: losing unknown data is
// worse than keeping a stray span.
func (gb *GcBot) compact(fnum model.FileNum, old *model.FileState) (*model.FileState, []comm.KeyLocation, uint64, error) {
	df, err := gb.zdir.OpenDataRead(fnum)
	if err != nil {
		return nil, nil, 0, err
	}
	defer df.Close()
	dataSize, err := df.Size()
	if err != nil {
		return nil, nil, 0, err
	}

	datTmp := gb.zdir.DataFilePath(fnum) + gcTempSuffix
	indTmp := gb.zdir.IndexFilePath(fnum) + gcTempSuffix
	datIO, err := gb.cfg.IOCreator(datTmp)
	if err != nil {
		return nil, nil, 0, err
	}
	indIO, err := gb.cfg.IOCreator(indTmp)
	if err != nil {
		datIO.Close()
		os.Remove(datTmp)
		return nil, nil, 0, err
	}
	discard := func() {
		datIO.Close()
		indIO.Close()
		os.Remove(datTmp)
		os.Remove(indTmp)
	}

	newState := model.NewFileState()
	var moved []comm.KeyLocation
	var newStart uint64
	cs := gb.cfg.Codec.Checksummer()

	for offset := int64(0); offset < dataSize; {
		rec, rlen, rerr := gb.cfg.Codec.ReadRecord(df, offset)
		if rerr != nil {
			discard()
			return nil, nil, 0, fmt.Errorf("record at offset %d: %w", offset, rerr)
		}
		oldStart := uint64(offset)
		offset += rlen

		if state, known := old.DataState(oldStart); known && state == model.DataOld {
			continue
		}

		frame, _, merr := gb.cfg.Codec.MarshalRecord(rec)
		if merr != nil {
			discard()
			return nil, nil, 0, merr
		}
		if err = writeFull(datIO, frame); err != nil {
			discard()
			return nil, nil, 0, err
		}

		sfloc := model.NewStoredFileLocation(
			fnum, newStart, uint64(len(rec.Key)), uint64(len(rec.Value)), rec.Time, cs)
		entry, elen, eerr := gb.cfg.Codec.MarshalIndexEntry(rec.Key, sfloc)
		if eerr != nil {
			discard()
			return nil, nil, 0, eerr
		}
		if err = writeFull(indIO, entry); err != nil {
			discard()
			return nil, nil, 0, err
		}

		newState.InsertNew(&sfloc.Floc, int(elen)-len(rec.Key))
		if oldStart != newStart {
			newState.UpdateMoved(oldStart, newStart)
			moved = append(moved, comm.KeyLocation{
				Key:      rec.Key,
				OldStart: oldStart,
				Loc:      sfloc.Floc,
			})
		}
		newStart += uint64(len(frame))
	}

	if err = datIO.Sync(); err == nil {
		err = indIO.Sync()
	}
	if err != nil {
		discard()
		return nil, nil, 0, err
	}
	datIO.Close()
	indIO.Close()
	if err = os.Rename(datTmp, gb.zdir.DataFilePath(fnum)); err != nil {
		os.Remove(datTmp)
		os.Remove(indTmp)
		return nil, nil, 0, err
	}
	if err = os.Rename(indTmp, gb.zdir.IndexFilePath(fnum)); err != nil {
		os.Remove(indTmp)
		return nil, nil, 0, err
	}

	oldBytes := old.DataFileSize() + old.IndexFileSize()
	newBytes := newState.DataFileSize() + newState.IndexFileSize()
	var sizeDec uint64
	if oldBytes > newBytes {
		sizeDec = oldBytes - newBytes
	}
	return newState, moved, sizeDec, nil
}

// updateCaches pushes relocations to every cache worker in the zone
// and waits for each acknowledgement. Shards that hold none of the
// keys simply match nothing.
func (gb *GcBot) updateCaches(moved []comm.KeyLocation) error {
	cbots, err := gb.chans.WorkersOfType(gb.id.Zone, comm.WorkerCache)
	if err != nil {
		return err
	}
	for i := 0; i < cbots.Len(); i++ {
		chn, cerr := cbots.Get(i)
		if cerr != nil {
			return cerr
		}
		resp := comm.NewResponder(gb.id)
		if cerr = chn.Send(comm.GcCacheUpdate{Pairs: moved, Resp: resp}); cerr != nil {
			return cerr
		}
		if cerr = resp.RecvResult(gb.cfg.RequestTimeout); cerr != nil {
			return cerr
		}
	}
	return nil
}

func writeFull(io fio.IOManager, buf []byte) error {
	n, err := io.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(buf))
	}
	return nil
}
