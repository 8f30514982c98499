package worker

import (
	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/keydir"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

// CacheBot owns one shard of the zone's key index. Keys are assigned
// to shards by the client-side hash, so no two cache workers ever
// hold the same key.
type CacheBot struct {
	bot
	kd keydir.Keydir
}

func NewCacheBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir, kd keydir.Keydir) *CacheBot {
	return &CacheBot{bot: newBot(id, chanIn, chans, cfg, zdir), kd: kd}
}

func (cb *CacheBot) Run() {
	for {
		msg := cb.chanIn.Recv()
		switch m := msg.(type) {
		case comm.Insert:
			if err := cb.insert(m); err != nil {
				cb.respond(m.Resp, comm.Fail{Err: err})
			} else {
				cb.respond(m.Resp, comm.Ok{})
			}
		case comm.ReadCache:
			cb.readCache(m)
		case comm.GcCacheUpdate:
			cb.gcUpdate(m)
		case comm.DumpKeys:
			cb.dumpKeys(m)
		default:
			handled, stop := cb.handleCommon(msg)
			if !handled {
				cb.logger.Printf("unexpected message %T", msg)
			}
			if stop {
				return
			}
		}
	}
}

// insert records a freshly appended location and tells the file
// workers about the new span and the span it superseded. Only a
// location newer than the cached one lands: with pooled writers two
// racing appends for one key can arrive out of write order, and the
// loser is scheduled stale on arrival. A tombstone removes the key
// and immediately schedules its own record for deletion; both verbs
// travel the same channel, so the insertion is registered before the
// deletion arrives.
func (cb *CacheBot) insert(m comm.Insert) error {
	old := cb.kd.Get(m.Key)
	superseded := old != nil && old.Time > m.Loc.Time
	if !superseded {
		if m.Meta.Tombstone {
			cb.kd.Delete(m.Key)
		} else {
			loc := m.Loc
			cb.kd.Put(m.Key, &loc)
		}
	}

	fbots, err := cb.chans.WorkersOfType(cb.id.Zone, comm.WorkerFile)
	if err != nil {
		return err
	}
	chn, _ := fbots.Choose(comm.ByFile(m.Loc.Fnum))
	upd := comm.UpdateData{New: m.Loc, IndexLen: m.IndexLen, From: cb.id}
	if !superseded {
		upd.Old = old
	}
	if err = chn.Send(upd); err != nil {
		return err
	}
	if superseded || m.Meta.Tombstone {
		return chn.Send(comm.ScheduleOld{Old: m.Loc, From: cb.id})
	}
	return nil
}

func (cb *CacheBot) readCache(m comm.ReadCache) {
	loc := cb.kd.Get(m.Key)
	if loc == nil {
		cb.respond(m.Resp, comm.CacheEntry{})
		return
	}
	cb.respond(m.Resp, comm.CacheEntry{Found: true, Loc: *loc})
}

// gcUpdate applies post-compaction relocations. A relocation only
// lands if the key still points at the span the collector moved; a
// write that raced the collection wins.
func (cb *CacheBot) gcUpdate(m comm.GcCacheUpdate) {
	for _, kl := range m.Pairs {
		cur := cb.kd.Get(kl.Key)
		if cur == nil || cur.Fnum != kl.Loc.Fnum || cur.Start != kl.OldStart {
			continue
		}
		loc := kl.Loc
		cb.kd.Put(kl.Key, &loc)
	}
	cb.respond(m.Resp, comm.Ok{})
}

func (cb *CacheBot) dumpKeys(m comm.DumpKeys) {
	dump := comm.KeysDump{From: cb.id}
	cb.kd.Ascend(func(key []byte, _ *model.FileLocation) bool {
		cp := make([]byte, len(key))
		copy(cp, key)
		dump.Keys = append(dump.Keys, cp)
		return true
	})
	cb.respond(m.Resp, dump)
}
