package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSimplex_SendRecv(t *testing.T) {
	sx := NewSimplex(2)
	assert.Nil(t, sx.Send(Finish{}))
	assert.Nil(t, sx.Send(Finish{}))
	assert.ErrorIs(t, sx.Send(Finish{}), ErrQueueFull)

	assert.Equal(t, 2, sx.Len())
	msg := sx.Recv()
	assert.IsType(t, Finish{}, msg)

	_, ok := sx.RecvTimeout(10 * time.Millisecond)
	assert.True(t, ok)
	_, ok = sx.RecvTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestSimplex_Drain(t *testing.T) {
	sx := NewSimplex(4)
	assert.Nil(t, sx.Send(Finish{}))
	assert.Nil(t, sx.Send(Ok{}))

	msgs := sx.Drain()
	assert.Equal(t, 2, len(msgs))
	assert.Equal(t, 0, sx.Len())
	assert.Equal(t, 0, len(sx.Drain()))
}

func TestPool_ChooseByFile(t *testing.T) {
	p := NewPool(WorkerFile, 3, 4)

	_, first := p.Choose(ByFile(7))
	for i := 0; i < 10; i++ {
		_, ind := p.Choose(ByFile(7))
		assert.Equal(t, first, ind)
	}
	assert.Equal(t, 1, first)

	_, other := p.Choose(ByFile(8))
	assert.Equal(t, 2, other)
}

func TestPool_GetBounds(t *testing.T) {
	p := NewPool(WorkerCache, 2, 1)
	_, err := p.Get(0)
	assert.Nil(t, err)
	_, err = p.Get(2)
	assert.ErrorIs(t, err, ErrBadPoolIndex)
	_, err = p.Get(-1)
	assert.ErrorIs(t, err, ErrBadPoolIndex)

	empty := NewPool(WorkerCache, 0, 1)
	_, err = empty.Get(0)
	assert.ErrorIs(t, err, ErrEmptyPool)
}

func TestPool_Broadcast(t *testing.T) {
	p := NewPool(WorkerWriter, 3, 1)
	n, err := p.Broadcast(Finish{})
	assert.Nil(t, err)
	assert.Equal(t, 3, n)

	// Second broadcast hits full queues.
	_, err = p.Broadcast(Finish{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestChannels_Layout(t *testing.T) {
	c := NewChannels(2, 3, 2, 2, 1, 4)
	assert.Equal(t, 2, c.NumZones())

	cbots, err := c.WorkersOfType(1, WorkerCache)
	assert.Nil(t, err)
	assert.Equal(t, 3, cbots.Len())

	_, err = c.WorkersOfType(5, WorkerCache)
	assert.ErrorIs(t, err, ErrBadPoolIndex)

	zbot, err := c.Zbot(0)
	assert.Nil(t, err)
	assert.NotNil(t, zbot)

	chn, err := c.Get(WorkerID{Type: WorkerFile, Zone: 1, Index: 1})
	assert.Nil(t, err)
	assert.NotNil(t, chn)
	_, err = c.Get(WorkerID{Type: WorkerFile, Zone: 1, Index: 9})
	assert.NotNil(t, err)
}

func TestChannels_PendingAndBroadcast(t *testing.T) {
	c := NewChannels(1, 1, 1, 1, 1, 4)
	assert.Equal(t, 0, c.TotalPending())

	n, err := c.Broadcast(Finish{})
	assert.Nil(t, err)
	assert.Equal(t, 5, n) // four pool workers plus the zone allocator
	assert.Equal(t, 5, c.TotalPending())

	c.DrainAndDump(func(string, ...any) {})
	assert.Equal(t, 0, c.TotalPending())
}

func TestResponder_RecvResult(t *testing.T) {
	resp := NewResponder(WorkerID{})
	assert.Nil(t, resp.Send(Ok{}))
	assert.Nil(t, resp.RecvResult(time.Second))

	assert.Nil(t, resp.Send(Fail{Err: ErrQueueFull}))
	assert.ErrorIs(t, resp.RecvResult(time.Second), ErrQueueFull)

	err := resp.RecvResult(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrRecvTimeout)
}

func TestResponder_RecvPongs(t *testing.T) {
	resp := NewResponderSized(WorkerID{}, 16)
	a := WorkerID{Type: WorkerCache, Zone: 0, Index: 0}
	b := WorkerID{Type: WorkerFile, Zone: 0, Index: 1}
	assert.Nil(t, resp.Send(Pong{From: a}))
	assert.Nil(t, resp.Send(Pong{From: b}))

	got := resp.RecvPongs(50 * time.Millisecond)
	assert.Equal(t, []WorkerID{a, b}, got)
}

func TestWorkerID_String(t *testing.T) {
	id := WorkerID{Type: WorkerFile, Zone: 2, Index: 1}
	assert.Equal(t, "z2/fbot1", id.String())
}
