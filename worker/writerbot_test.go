package worker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/keydir"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

// miniZone wires one worker of each kind around a writer, enough to
// drive the full write path end to end.
type miniZone struct {
	chans *comm.Channels
	wbot  *comm.Simplex
	kd    keydir.Keydir
	zdir  zone.Dir
}

func startMiniZone(t *testing.T, cfg *Config) *miniZone {
	t.Helper()
	chans := comm.NewChannels(1, 1, 1, 1, 1, 64)
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())
	kd := keydir.NewBTree(8)

	spawn := func(id comm.WorkerID, run func(chn *comm.Simplex) func()) *comm.Simplex {
		chn, err := chans.Get(id)
		assert.Nil(t, err)
		go run(chn)()
		return chn
	}

	spawn(comm.WorkerID{Type: comm.WorkerCache}, func(chn *comm.Simplex) func() {
		return NewCacheBot(comm.WorkerID{Type: comm.WorkerCache}, chn, chans, cfg, zdir, kd).Run
	})
	spawn(comm.WorkerID{Type: comm.WorkerFile}, func(chn *comm.Simplex) func() {
		return NewFileBot(comm.WorkerID{Type: comm.WorkerFile}, chn, chans, cfg, zdir, nil).Run
	})
	spawn(comm.WorkerID{Type: comm.WorkerGc}, func(chn *comm.Simplex) func() {
		return NewGcBot(comm.WorkerID{Type: comm.WorkerGc}, chn, chans, cfg, zdir).Run
	})
	spawn(comm.WorkerID{Type: comm.WorkerZone}, func(chn *comm.Simplex) func() {
		return NewZoneBot(comm.WorkerID{Type: comm.WorkerZone}, chn, chans, cfg, zdir, 0, 1).Run
	})
	wbot := spawn(comm.WorkerID{Type: comm.WorkerWriter}, func(chn *comm.Simplex) func() {
		return NewWriterBot(comm.WorkerID{Type: comm.WorkerWriter}, chn, chans, cfg, zdir).Run
	})

	return &miniZone{chans: chans, wbot: wbot, kd: kd, zdir: zdir}
}

func (mz *miniZone) put(t *testing.T, key, value string) error {
	t.Helper()
	resp := comm.NewResponder(comm.WorkerID{})
	assert.Nil(t, mz.wbot.Send(comm.Write{
		Key:   []byte(key),
		Value: []byte(value),
		Resp:  resp,
	}))
	return resp.RecvResult(time.Second)
}

func TestWriterBot_WriteUpdatesCache(t *testing.T) {
	mz := startMiniZone(t, testConfig())

	assert.Nil(t, mz.put(t, "key", "value"))

	loc := mz.kd.Get([]byte("key"))
	assert.NotNil(t, loc)
	assert.Equal(t, model.FileNum(1), loc.Fnum)
	assert.Equal(t, uint64(0), loc.Start)
	assert.Equal(t, uint64(3), loc.Klen)
	assert.Equal(t, uint64(5), loc.Vlen)

	_, err := os.Stat(mz.zdir.DataFilePath(1))
	assert.Nil(t, err)
	_, err = os.Stat(mz.zdir.IndexFilePath(1))
	assert.Nil(t, err)
}

func TestWriterBot_Rotation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileBytes = 30
	mz := startMiniZone(t, cfg)

	// frame: 1 tombstone + 3 varints + 3 key + 10 value + 4 crc = 21
	assert.Nil(t, mz.put(t, "aaa", "0123456789"))
	assert.Nil(t, mz.put(t, "bbb", "0123456789"))

	la := mz.kd.Get([]byte("aaa"))
	lb := mz.kd.Get([]byte("bbb"))
	assert.Equal(t, model.FileNum(1), la.Fnum)
	assert.Equal(t, model.FileNum(2), lb.Fnum)
	assert.Equal(t, uint64(0), lb.Start)

	_, err := os.Stat(mz.zdir.DataFilePath(2))
	assert.Nil(t, err)
}

// With pooled writers, Inserts for one key can reach the cache out of
// write order. The cache keeps the newest timestamp and the late
// arrival is scheduled stale immediately.
func TestWriterBot_LateStaleWriteDoesNotClobberCache(t *testing.T) {
	mz := startMiniZone(t, testConfig())

	write := func(value string, tstamp int64) {
		resp := comm.NewResponder(comm.WorkerID{})
		assert.Nil(t, mz.wbot.Send(comm.Write{
			Key:   []byte("k"),
			Value: []byte(value),
			Meta:  model.Meta{Timestamp: tstamp},
			Resp:  resp,
		}))
		assert.Nil(t, resp.RecvResult(time.Second))
	}
	write("second", 200)
	write("first", 100)

	loc := mz.kd.Get([]byte("k"))
	assert.NotNil(t, loc)
	assert.Equal(t, int64(200), loc.Time)
	assert.Equal(t, uint64(6), loc.Vlen)

	// The losing record's span was registered stale on arrival.
	fbot, err := mz.chans.Get(comm.WorkerID{Type: comm.WorkerFile})
	assert.Nil(t, err)
	dump := dumpStates(t, fbot)
	assert.Equal(t, 1, len(dump.States))
	assert.Equal(t, uint64(1+5), dump.States[0].OldSum())
}

func TestWriterBot_OversizedRecordRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFileBytes = 16
	mz := startMiniZone(t, cfg)

	err := mz.put(t, "key", "a value that can never fit")
	assert.ErrorIs(t, err, ErrValueTooBig)

	// Rejected before any I/O: no live pair was even opened.
	_, serr := os.Stat(mz.zdir.DataFilePath(1))
	assert.True(t, os.IsNotExist(serr))
}

// shortWriteIO truncates the first data write to simulate a torn OS
// write.
type shortWriteIO struct {
	fio.IOManager
	tripped *bool
}

func (s *shortWriteIO) Write(data []byte) (int, error) {
	if !*s.tripped {
		*s.tripped = true
		n, err := s.IOManager.Write(data[:len(data)-3])
		if err != nil {
			return n, err
		}
		return n, nil
	}
	return s.IOManager.Write(data)
}

func TestWriterBot_PartialWriteRewound(t *testing.T) {
	cfg := testConfig()
	tripped := false
	cfg.IOCreator = func(path string) (fio.IOManager, error) {
		io, err := fio.NewFileIO(path)
		if err != nil {
			return nil, err
		}
		if len(path) > 4 && path[len(path)-4:] == ".dat" {
			return &shortWriteIO{IOManager: io, tripped: &tripped}, nil
		}
		return io, nil
	}
	mz := startMiniZone(t, cfg)

	// First write tears; the frame must be rewound away.
	err := mz.put(t, "key", "value")
	assert.NotNil(t, err)
	assert.Nil(t, mz.kd.Get([]byte("key")))

	size, err := os.Stat(mz.zdir.DataFilePath(1))
	assert.Nil(t, err)
	assert.Equal(t, int64(0), size.Size())

	// The recovered space is reused by the next write.
	assert.Nil(t, mz.put(t, "key", "value"))
	loc := mz.kd.Get([]byte("key"))
	assert.NotNil(t, loc)
	assert.Equal(t, uint64(0), loc.Start)
}
