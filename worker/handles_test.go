package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/zone"
)

func TestHandles_DeadAndUnresponsive(t *testing.T) {
	chans := comm.NewChannels(1, 1, 1, 1, 1, 16)
	handles := NewHandles(chans, 10*time.Millisecond, 200*time.Millisecond)
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())

	// A healthy worker that answers pings.
	fbotID := comm.WorkerID{Type: comm.WorkerFile}
	fbotChn, err := chans.Get(fbotID)
	assert.Nil(t, err)
	fb := NewFileBot(fbotID, fbotChn, chans, testConfig(), zdir, nil)
	handles.Spawn(fbotID, fbotChn, fb.Run)

	// A worker that exits immediately.
	deadID := comm.WorkerID{Type: comm.WorkerCache}
	deadChn, err := chans.Get(deadID)
	assert.Nil(t, err)
	handles.Spawn(deadID, deadChn, func() {})

	// A worker that never reads its channel.
	stuck := make(chan struct{})
	silentID := comm.WorkerID{Type: comm.WorkerWriter}
	silentChn, err := chans.Get(silentID)
	assert.Nil(t, err)
	handles.Spawn(silentID, silentChn, func() { <-stuck })
	defer close(stuck)

	assert.Eventually(t, func() bool {
		return len(handles.DeadWorkers()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []comm.WorkerID{deadID}, handles.DeadWorkers())

	pinged, unresponsive := handles.Unresponsive(300 * time.Millisecond)
	assert.Equal(t, 3, pinged)
	assert.Equal(t, 2, len(unresponsive))
	assert.Contains(t, unresponsive, deadID)
	assert.Contains(t, unresponsive, silentID)
	assert.NotContains(t, unresponsive, fbotID)
}

func TestHandles_SpawnRecoversPanic(t *testing.T) {
	chans := comm.NewChannels(1, 1, 1, 1, 1, 16)
	handles := NewHandles(chans, 10*time.Millisecond, 100*time.Millisecond)

	id := comm.WorkerID{Type: comm.WorkerGc}
	chn, err := chans.Get(id)
	assert.Nil(t, err)
	handles.Spawn(id, chn, func() { panic("worker blew up") })

	assert.Eventually(t, func() bool {
		return len(handles.DeadWorkers()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandles_StopAllFinishesWorkers(t *testing.T) {
	chans := comm.NewChannels(1, 1, 1, 1, 1, 16)
	handles := NewHandles(chans, 10*time.Millisecond, 500*time.Millisecond)
	zdir := zone.NewDir(t.TempDir(), 0)
	assert.Nil(t, zdir.Ensure())

	fbotID := comm.WorkerID{Type: comm.WorkerFile}
	fbotChn, err := chans.Get(fbotID)
	assert.Nil(t, err)
	fb := NewFileBot(fbotID, fbotChn, chans, testConfig(), zdir, nil)
	handles.Spawn(fbotID, fbotChn, fb.Run)

	gbotID := comm.WorkerID{Type: comm.WorkerGc}
	gbotChn, err := chans.Get(gbotID)
	assert.Nil(t, err)
	gb := NewGcBot(gbotID, gbotChn, chans, testConfig(), zdir)
	handles.Spawn(gbotID, gbotChn, gb.Run)

	handles.RequestStopAll()
	assert.Equal(t, 2, len(handles.DeadWorkers()))
}
