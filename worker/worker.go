package worker

import (
	"log"
	"os"
	"time"

	"github.com/cqkv/zonedb/codec"
	"github.com/cqkv/zonedb/comm"
	"github.com/cqkv/zonedb/fio"
	"github.com/cqkv/zonedb/zone"
)

// Config carries the settings every worker needs.
type Config struct {
	MaxFileBytes      uint64
	GcTriggerFraction float64
	GcOn              bool
	AutoGc            bool
	RequestTimeout    time.Duration
	ReportInterval    time.Duration
	IOCreator         fio.Creator
	Codec             codec.Codec
}

// bot is the part common to every worker: identity, inbound channel,
// the channel fabric, and the zone directory it operates in.
type bot struct {
	id     comm.WorkerID
	chanIn *comm.Simplex
	chans  *comm.Channels
	cfg    *Config
	zdir   zone.Dir
	logger *log.Logger
}

func newBot(id comm.WorkerID, chanIn *comm.Simplex, chans *comm.Channels, cfg *Config, zdir zone.Dir) bot {
	return bot{
		id:     id,
		chanIn: chanIn,
		chans:  chans,
		cfg:    cfg,
		zdir:   zdir,
		logger: log.New(os.Stderr, "["+id.String()+"] ", log.LstdFlags),
	}
}

func (b *bot) ID() comm.WorkerID { return b.id }

// handleCommon deals with the control verbs every worker understands.
// Returns (handled, stop).
func (b *bot) handleCommon(msg comm.Msg) (bool, bool) {
	switch m := msg.(type) {
	case comm.Finish:
		return true, true
	case comm.Ping:
		if err := m.Resp.Send(comm.Pong{From: b.id}); err != nil {
			b.logger.Printf("cannot answer ping from %v: %v", m.From, err)
		}
		return true, false
	}
	return false, false
}

// result logs non-nil errors the way workers report internal failures
// that have no caller to return to.
func (b *bot) result(err error) {
	if err != nil {
		b.logger.Printf("%v", err)
	}
}

// respond sends a reply, logging a send failure rather than dropping
// it silently.
func (b *bot) respond(resp *comm.Responder, msg comm.Msg) {
	if resp == nil {
		return
	}
	if err := resp.Send(msg); err != nil {
		b.logger.Printf("cannot send %T reply: %v", msg, err)
	}
}
