package zonedb

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cqkv/zonedb/codec"
	"github.com/cqkv/zonedb/keydir"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/utils"
	"github.com/cqkv/zonedb/zone"
)

const keydirDegree = 32

// zoneLoad is the result of scanning one zone directory at startup:
// the key index shards for the cache workers and the file state
// shards for the file state workers, rebuilt from the index files.
type zoneLoad struct {
	maxFnum model.FileNum
	keydirs []keydir.Keydir
	states  []*model.FileStateMap
}

type indexEntry struct {
	key       []byte
	floc      model.FileLocation
	ilen      int
	tombstone bool
}

// loadZone replays every index file of a zone in file number order,
// so that later appends win, and repairs any index file whose
// entries no longer verify by rebuilding it from its data file.
func loadZone(zdir zone.Dir, cdc codec.Codec, numZones, numCache, numFile int) (*zoneLoad, error) {
	maxFnum, err := zdir.MaxFileNum()
	if err != nil {
		return nil, err
	}

	zl := &zoneLoad{
		maxFnum: maxFnum,
		keydirs: make([]keydir.Keydir, numCache),
		states:  make([]*model.FileStateMap, numFile),
	}
	for i := range zl.keydirs {
		zl.keydirs[i] = keydir.NewBTree(keydirDegree)
	}
	for i := range zl.states {
		zl.states[i] = model.NewFileStateMap()
	}

	for fnum := model.FileNum(1); fnum <= maxFnum; fnum++ {
		entries, err := loadFile(zdir, cdc, fnum)
		if errors.Is(err, os.ErrNotExist) {
			// Fully stale pairs are deleted, leaving gaps in the
			// numbering.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading file %d: %w", fnum, err)
		}
		if err = zl.apply(fnum, entries, numZones, numCache, numFile); err != nil {
			return nil, fmt.Errorf("replaying file %d: %w", fnum, err)
		}
	}
	return zl, nil
}

// apply replays one file's entries in append order against the
// keydir and file state shards.
func (zl *zoneLoad) apply(fnum model.FileNum, entries []indexEntry, numZones, numCache, numFile int) error {
	sm := zl.states[model.ShardIndex(fnum, numFile)]
	if _, err := sm.GetState(fnum); err != nil {
		sm.SetState(fnum, model.NewFileState())
	}

	for i := range entries {
		e := &entries[i]
		if err := sm.InsertNew(&e.floc, e.ilen); err != nil {
			return err
		}
		fs, err := sm.GetState(fnum)
		if err != nil {
			return err
		}

		kd := zl.keydirs[cacheShard(utils.GenerateCrc(e.key), numZones, numCache)]
		if prev := kd.Get(e.key); prev != nil {
			// Replay order is file order, not write order: with
			// pooled writers a newer record can sit in a lower file
			// number. The older of the two is stale, whichever side
			// of the replay it arrives on.
			if prev.Time > e.floc.Time {
				if err = fs.RegisterOld(e.floc.KeyVal()); err != nil {
					return err
				}
				continue
			}
			pm := zl.states[model.ShardIndex(prev.Fnum, numFile)]
			ps, perr := pm.GetState(prev.Fnum)
			if perr != nil {
				return perr
			}
			if perr = ps.RegisterOld(prev.KeyVal()); perr != nil {
				return perr
			}
		}
		if e.tombstone {
			kd.Delete(e.key)
			if err = fs.RegisterOld(e.floc.KeyVal()); err != nil {
				return err
			}
			continue
		}
		loc := e.floc
		kd.Put(e.key, &loc)
	}
	return nil
}

// loadFile reads one index file. A verification failure means a torn
// index append from a past crash: the index is rebuilt from the data
// file, which is the source of truth.
func loadFile(zdir zone.Dir, cdc codec.Codec, fnum model.FileNum) ([]indexEntry, error) {
	entries, err := readIndexEntries(zdir, cdc, fnum)
	if err == nil {
		return entries, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	entries, rerr := rebuildIndex(zdir, cdc, fnum)
	if rerr != nil {
		return nil, fmt.Errorf("index unreadable (%v) and rebuild failed: %w", err, rerr)
	}
	return entries, nil
}

func readIndexEntries(zdir zone.Dir, cdc codec.Codec, fnum model.FileNum) ([]indexEntry, error) {
	idf, err := zdir.OpenIndexRead(fnum)
	if err != nil {
		return nil, err
	}
	defer idf.Close()
	size, err := idf.Size()
	if err != nil {
		return nil, err
	}

	df, err := zdir.OpenDataRead(fnum)
	if err != nil {
		return nil, err
	}
	defer df.Close()

	var entries []indexEntry
	for offset := int64(0); offset < size; {
		key, floc, elen, err := cdc.ReadIndexEntry(idf, offset)
		if errors.Is(err, io.EOF) {
			// A clean index ends exactly on an entry boundary, so
			// running out of bytes mid-entry is a torn append.
			return nil, fmt.Errorf("%w: torn index entry at offset %d", codec.ErrCorruptRecord, offset)
		}
		if err != nil {
			return nil, err
		}
		offset += elen

		e := indexEntry{key: key, floc: floc, ilen: int(elen) - len(key)}
		// A zero-length value may be a tombstone; only the data
		// record's leading byte can tell.
		if floc.Vlen == 0 {
			lead, rerr := df.ReadNBytes(int64(floc.Start), 1)
			if rerr != nil || len(lead) < 1 {
				return nil, fmt.Errorf("%w: index entry points past data file end", codec.ErrCorruptRecord)
			}
			e.tombstone = lead[0] == 1
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// rebuildIndex rewrites the index file of a pair from its data file
// and returns the fresh entries.
func rebuildIndex(zdir zone.Dir, cdc codec.Codec, fnum model.FileNum) ([]indexEntry, error) {
	df, err := zdir.OpenDataRead(fnum)
	if err != nil {
		return nil, err
	}
	defer df.Close()
	dataSize, err := df.Size()
	if err != nil {
		return nil, err
	}

	tmpPath := zdir.IndexFilePath(fnum) + ".rebuild"
	out, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	discard := func() {
		out.Close()
		os.Remove(tmpPath)
	}

	var entries []indexEntry
	cs := cdc.Checksummer()
	for offset := int64(0); offset < dataSize; {
		rec, rlen, rerr := cdc.ReadRecord(df, offset)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			discard()
			return nil, fmt.Errorf("data record at offset %d: %w", offset, rerr)
		}

		sfloc := model.NewStoredFileLocation(
			fnum, uint64(offset), uint64(len(rec.Key)), uint64(len(rec.Value)), rec.Time, cs)
		entry, elen, eerr := cdc.MarshalIndexEntry(rec.Key, sfloc)
		if eerr != nil {
			discard()
			return nil, eerr
		}
		if _, err = out.Write(entry); err != nil {
			discard()
			return nil, err
		}
		entries = append(entries, indexEntry{
			key:       rec.Key,
			floc:      sfloc.Floc,
			ilen:      int(elen) - len(rec.Key),
			tombstone: rec.Tombstone,
		})
		offset += rlen
	}

	if err = out.Sync(); err != nil {
		discard()
		return nil, err
	}
	if err = out.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err = os.Rename(tmpPath, zdir.IndexFilePath(fnum)); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	return entries, nil
}
