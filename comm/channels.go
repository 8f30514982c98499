package comm

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cqkv/zonedb/model"
)

var (
	ErrQueueFull     = errors.New("zonedb err: worker message queue is full")
	ErrUnknownWorker = errors.New("zonedb err: no channel registered for worker")
	ErrRecvTimeout   = errors.New("zonedb err: timed out waiting for a reply")
	ErrEmptyPool     = errors.New("zonedb err: channel pool is empty")
	ErrBadPoolIndex  = errors.New("zonedb err: index exceeds pool size")
)

// Simplex is a point-to-point message queue owned by one worker.
// Sends are fire-and-forget: a full queue is surfaced as an error,
// never blocked on and never silently dropped.
type Simplex struct {
	ch chan Msg
}

func NewSimplex(capacity int) *Simplex {
	return &Simplex{ch: make(chan Msg, capacity)}
}

func (s *Simplex) Send(msg Msg) error {
	select {
	case s.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(s.ch))
	}
}

// Recv blocks until a message arrives.
func (s *Simplex) Recv() Msg {
	return <-s.ch
}

// RecvTimeout waits up to d for a message.
func (s *Simplex) RecvTimeout(d time.Duration) (Msg, bool) {
	select {
	case msg := <-s.ch:
		return msg, true
	case <-time.After(d):
		return nil, false
	}
}

func (s *Simplex) Len() int { return len(s.ch) }

// Drain extracts every undelivered message without blocking.
func (s *Simplex) Drain() []Msg {
	var msgs []Msg
	for {
		select {
		case msg := <-s.ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// Choice selects a worker from a pool.
type Choice struct {
	byFile bool
	fnum   model.FileNum
}

// Randomly distributes load; any worker will do.
func Randomly() Choice { return Choice{} }

// ByFile routes deterministically so the same physical file is always
// handled by the same worker. The assignment must never change while
// the system is live; it is the sole substitute for a per-file lock.
func ByFile(fnum model.FileNum) Choice {
	return Choice{byFile: true, fnum: fnum}
}

// Pool is the set of channels for one worker type in one zone.
type Pool struct {
	typ  WorkerType
	pool []*Simplex
}

func NewPool(typ WorkerType, n, capacity int) *Pool {
	pool := make([]*Simplex, n)
	for i := range pool {
		pool[i] = NewSimplex(capacity)
	}
	return &Pool{typ: typ, pool: pool}
}

func (p *Pool) Len() int { return len(p.pool) }

func (p *Pool) Get(ind int) (*Simplex, error) {
	if len(p.pool) == 0 {
		return nil, fmt.Errorf("%w (%s)", ErrEmptyPool, p.typ)
	}
	if ind < 0 || ind >= len(p.pool) {
		return nil, fmt.Errorf("%w: %d of %d (%s)", ErrBadPoolIndex, ind, len(p.pool), p.typ)
	}
	return p.pool[ind], nil
}

// Choose selects one channel and returns it with its pool index.
func (p *Pool) Choose(how Choice) (*Simplex, int) {
	n := len(p.pool)
	var i int
	if how.byFile {
		i = model.ShardIndex(how.fnum, n)
	} else {
		i = rand.Intn(n)
	}
	return p.pool[i], i
}

// Broadcast sends to every worker in the pool, returning the number
// of messages delivered.
func (p *Pool) Broadcast(msg Msg) (int, error) {
	for i, chn := range p.pool {
		if err := chn.Send(msg); err != nil {
			return i, fmt.Errorf("%s%d: %w", p.typ, i, err)
		}
	}
	return len(p.pool), nil
}

func (p *Pool) QueueDepths() []int {
	depths := make([]int, len(p.pool))
	for i, chn := range p.pool {
		depths[i] = chn.Len()
	}
	return depths
}

func (p *Pool) PendingTotal() int {
	total := 0
	for _, chn := range p.pool {
		total += chn.Len()
	}
	return total
}

// DrainAndDump extracts undelivered messages from every channel in
// the pool and hands them to logf rather than discarding them.
func (p *Pool) DrainAndDump(zone int, logf func(format string, args ...any)) {
	for i, chn := range p.pool {
		msgs := chn.Drain()
		if len(msgs) == 0 {
			continue
		}
		logf("z%d/%s%d undelivered messages (%d):", zone, p.typ, i, len(msgs))
		for _, msg := range msgs {
			logf("  %T%+v", msg, msg)
		}
	}
}

// ZoneChannels groups the worker pools of one zone.
type ZoneChannels struct {
	cbots *Pool
	fbots *Pool
	wbots *Pool
	gbots *Pool
}

func NewZoneChannels(numCache, numFile, numWriter, numGc, capacity int) *ZoneChannels {
	return &ZoneChannels{
		cbots: NewPool(WorkerCache, numCache, capacity),
		fbots: NewPool(WorkerFile, numFile, capacity),
		wbots: NewPool(WorkerWriter, numWriter, capacity),
		gbots: NewPool(WorkerGc, numGc, capacity),
	}
}

func (zc *ZoneChannels) Pool(typ WorkerType) *Pool {
	switch typ {
	case WorkerCache:
		return zc.cbots
	case WorkerFile:
		return zc.fbots
	case WorkerWriter:
		return zc.wbots
	case WorkerGc:
		return zc.gbots
	}
	return nil
}

func (zc *ZoneChannels) PendingTotal() int {
	return zc.cbots.PendingTotal() +
		zc.fbots.PendingTotal() +
		zc.wbots.PendingTotal() +
		zc.gbots.PendingTotal()
}

func (zc *ZoneChannels) Broadcast(msg Msg) (int, error) {
	count := 0
	for _, p := range []*Pool{zc.cbots, zc.fbots, zc.wbots, zc.gbots} {
		n, err := p.Broadcast(msg)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

func (zc *ZoneChannels) DrainAndDump(zone int, logf func(format string, args ...any)) {
	for _, p := range []*Pool{zc.cbots, zc.fbots, zc.wbots, zc.gbots} {
		p.DrainAndDump(zone, logf)
	}
}

// Channels holds every channel in the system: the worker pools of
// each zone plus the per-zone allocator channels. Clone-free: all
// handles are shared and safe for use from any goroutine.
type Channels struct {
	zones []*ZoneChannels
	zbots *Pool
}

func NewChannels(numZones, numCache, numFile, numWriter, numGc, capacity int) *Channels {
	zones := make([]*ZoneChannels, numZones)
	for z := range zones {
		zones[z] = NewZoneChannels(numCache, numFile, numWriter, numGc, capacity)
	}
	return &Channels{
		zones: zones,
		zbots: NewPool(WorkerZone, numZones, capacity),
	}
}

func (c *Channels) NumZones() int { return len(c.zones) }

func (c *Channels) Zone(z int) (*ZoneChannels, error) {
	if z < 0 || z >= len(c.zones) {
		return nil, fmt.Errorf("%w: zone %d of %d", ErrBadPoolIndex, z, len(c.zones))
	}
	return c.zones[z], nil
}

// WorkersOfType returns the pool for one worker type in one zone.
func (c *Channels) WorkersOfType(zone int, typ WorkerType) (*Pool, error) {
	zc, err := c.Zone(zone)
	if err != nil {
		return nil, err
	}
	if typ == WorkerZone {
		return c.zbots, nil
	}
	p := zc.Pool(typ)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, typ)
	}
	return p, nil
}

// Zbot returns the allocator channel for one zone.
func (c *Channels) Zbot(zone int) (*Simplex, error) {
	return c.zbots.Get(zone)
}

// Get resolves a worker identity to its inbound channel.
func (c *Channels) Get(id WorkerID) (*Simplex, error) {
	if id.Type == WorkerZone {
		chn, err := c.zbots.Get(id.Zone)
		if err != nil {
			return nil, fmt.Errorf("%w %v: %v", ErrUnknownWorker, id, err)
		}
		return chn, nil
	}
	pool, err := c.WorkersOfType(id.Zone, id.Type)
	if err != nil {
		return nil, fmt.Errorf("%w %v: %v", ErrUnknownWorker, id, err)
	}
	chn, err := pool.Get(id.Index)
	if err != nil {
		return nil, fmt.Errorf("%w %v: %v", ErrUnknownWorker, id, err)
	}
	return chn, nil
}

// TotalPending sums queue depths across every channel in the system.
func (c *Channels) TotalPending() int {
	total := c.zbots.PendingTotal()
	for _, zc := range c.zones {
		total += zc.PendingTotal()
	}
	return total
}

// Broadcast sends to every worker in every zone plus the allocators,
// returning the number of messages delivered.
func (c *Channels) Broadcast(msg Msg) (int, error) {
	count := 0
	for _, zc := range c.zones {
		n, err := zc.Broadcast(msg)
		count += n
		if err != nil {
			return count, err
		}
	}
	n, err := c.zbots.Broadcast(msg)
	return count + n, err
}

// DrainAndDump logs every undelivered message in the system.
func (c *Channels) DrainAndDump(logf func(format string, args ...any)) {
	for z, zc := range c.zones {
		zc.DrainAndDump(z, logf)
	}
	c.zbots.DrainAndDump(-1, logf)
}
