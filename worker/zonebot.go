package worker

import (
	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/model"
	"github.com/cqkv/zonedb/zone"
)

// ZoneBot allocates file numbers for its zone and tallies the
// occupancy reports the file state workers send. Sequential
// allocation from a single owner means no two writers can ever hold
// the same live file.
type ZoneBot struct {
	bot
	next   model.FileNum
	shards []uint64
}

// NewZoneBot starts allocating after the highest file number already
// present in the zone directory.
func NewZoneBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir, maxFnum model.FileNum, numShards int) *ZoneBot {
	return &ZoneBot{
		bot:    newBot(id, chanIn, chans, cfg, zdir),
		next:   maxFnum + 1,
		shards: make([]uint64, numShards),
	}
}

func (zb *ZoneBot) Run() {
	for {
		msg := zb.chanIn.Recv()
		switch m := msg.(type) {
		case comm.NextLiveFile:
			zb.respond(m.Resp, comm.UseLiveFile{Fnum: zb.next})
			zb.next++
		case comm.ShardFileSize:
			if m.Shard < 0 || m.Shard >= len(zb.shards) {
				zb.logger.Printf("occupancy report for unknown shard %d", m.Shard)
				continue
			}
			zb.shards[m.Shard] = m.Size
		case comm.ZoneSize:
			report := comm.ZoneSizeReport{Zone: zb.id.Zone, Shards: make([]uint64, len(zb.shards))}
			copy(report.Shards, zb.shards)
			for _, s := range zb.shards {
				report.Total += s
			}
			zb.respond(m.Resp, report)
		default:
			handled, stop := zb.handleCommon(msg)
			if !handled {
				zb.logger.Printf("unexpected message %T", msg)
			}
			if stop {
				return
			}
		}
	}
}
