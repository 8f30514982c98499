package zonedb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cqkv/zonedb/codec"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

// writePair appends records to both files of a pair the way a writer
// would, returning each record's location.
func writePair(t *testing.T, zdir zone.Dir, cdc codec.Codec, fnum model.FileNum, records []*model.Record) []model.FileLocation {
	t.Helper()
	lp, err := zdir.OpenLive(fnum, fio.DefaultCreator)
	assert.Nil(t, err)
	defer lp.Close()

	locs := make([]model.FileLocation, len(records))
	for i, rec := range records {
		frame, flen, merr := cdc.MarshalRecord(rec)
		assert.Nil(t, merr)
		start := lp.Dat.Size
		_, werr := lp.Dat.IO.Write(frame)
		assert.Nil(t, werr)
		lp.Dat.Size += uint64(flen)

		sfloc := model.NewStoredFileLocation(fnum, start,
			uint64(len(rec.Key)), uint64(len(rec.Value)), rec.Time, cdc.Checksummer())
		entry, _, eerr := cdc.MarshalIndexEntry(rec.Key, sfloc)
		assert.Nil(t, eerr)
		_, werr = lp.Ind.IO.Write(entry)
		assert.Nil(t, werr)
		locs[i] = sfloc.Floc
	}
	return locs
}

func TestLoadZone(t *testing.T) {
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())
	cdc := codec.NewCodecImpl(nil)

	writePair(t, zdir, cdc, 1, []*model.Record{
		{Key: []byte("a"), Value: []byte("old")},
		{Key: []byte("b"), Value: []byte("kept")},
	})
	writePair(t, zdir, cdc, 2, []*model.Record{
		{Key: []byte("a"), Value: []byte("new")},
		{Key: []byte("c"), Value: []byte("doomed")},
		{Key: []byte("c"), Tombstone: true},
	})

	zl, err := loadZone(zdir, cdc, 1, 1, 1)
	assert.Nil(t, err)
	assert.Equal(t, model.FileNum(2), zl.maxFnum)

	kd := zl.keydirs[0]
	assert.Equal(t, 2, kd.Size())

	aloc := kd.Get([]byte("a"))
	assert.NotNil(t, aloc)
	assert.Equal(t, model.FileNum(2), aloc.Fnum)
	assert.NotNil(t, kd.Get([]byte("b")))
	assert.Nil(t, kd.Get([]byte("c")))

	// File 1: a's first version is stale, b is current.
	fs1, err := zl.states[0].GetState(1)
	assert.Nil(t, err)
	assert.Equal(t, uint64(1+3), fs1.OldSum())
	assert.False(t, fs1.IsAllDataOld())

	// File 2: c's record and tombstone are both stale.
	fs2, err := zl.states[0].GetState(2)
	assert.Nil(t, err)
	assert.Equal(t, uint64(1+6)+uint64(1), fs2.OldSum())
}

// With pooled writers an overwrite can land in a lower-numbered file
// than the record it supersedes. Replay must keep the newest write,
// not the last-replayed one.
func TestLoadZone_NewestWinsAcrossFiles(t *testing.T) {
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())
	cdc := codec.NewCodecImpl(nil)

	writePair(t, zdir, cdc, 1, []*model.Record{
		{Key: []byte("k"), Value: []byte("rewritten"), Time: 200},
		{Key: []byte("g"), Value: []byte("kept"), Time: 300},
	})
	writePair(t, zdir, cdc, 2, []*model.Record{
		{Key: []byte("k"), Value: []byte("first"), Time: 100},
		{Key: []byte("g"), Tombstone: true, Time: 250},
	})

	zl, err := loadZone(zdir, cdc, 1, 1, 1)
	assert.Nil(t, err)
	kd := zl.keydirs[0]

	kloc := kd.Get([]byte("k"))
	assert.NotNil(t, kloc)
	assert.Equal(t, model.FileNum(1), kloc.Fnum)
	assert.Equal(t, int64(200), kloc.Time)

	// The tombstone predates g's current version and must not delete
	// it.
	assert.NotNil(t, kd.Get([]byte("g")))

	// The superseded record and the stale tombstone, both in file 2,
	// carry all the stale bytes.
	fs1, err := zl.states[0].GetState(1)
	assert.Nil(t, err)
	assert.Equal(t, uint64(0), fs1.OldSum())
	fs2, err := zl.states[0].GetState(2)
	assert.Nil(t, err)
	assert.Equal(t, uint64(1+5)+uint64(1), fs2.OldSum())
}

func TestLoadZone_GapsFromDeletedPairs(t *testing.T) {
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())
	cdc := codec.NewCodecImpl(nil)

	writePair(t, zdir, cdc, 3, []*model.Record{
		{Key: []byte("k"), Value: []byte("v")},
	})

	zl, err := loadZone(zdir, cdc, 1, 1, 1)
	assert.Nil(t, err)
	assert.Equal(t, model.FileNum(3), zl.maxFnum)
	assert.Equal(t, 1, zl.keydirs[0].Size())
	_, err = zl.states[0].GetState(1)
	assert.NotNil(t, err)
}

func TestLoadZone_RebuildsTornIndex(t *testing.T) {
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())
	cdc := codec.NewCodecImpl(nil)

	locs := writePair(t, zdir, cdc, 1, []*model.Record{
		{Key: []byte("a"), Value: []byte("one")},
		{Key: []byte("b"), Value: []byte("two")},
	})

	// Tear the last index entry, as a crash mid-append would.
	idxPath := zdir.IndexFilePath(1)
	info, err := os.Stat(idxPath)
	assert.Nil(t, err)
	assert.Nil(t, os.Truncate(idxPath, info.Size()-3))

	zl, err := loadZone(zdir, cdc, 1, 1, 1)
	assert.Nil(t, err)

	// Both records recovered from the data file.
	kd := zl.keydirs[0]
	assert.Equal(t, 2, kd.Size())
	bloc := kd.Get([]byte("b"))
	assert.NotNil(t, bloc)
	assert.Equal(t, locs[1].Start, bloc.Start)

	// The index file was rewritten whole and now loads cleanly.
	entries, err := readIndexEntries(zdir, cdc, 1)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(entries))
}
