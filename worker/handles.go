package worker

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/zonedb/comm"
)

// Sentinel reports whether a worker goroutine has exited, whether it
// finished cleanly or died in a panic.
type Sentinel struct {
	finished atomic.Bool
}

func (s *Sentinel) IsFinished() bool { return s.finished.Load() }

func (s *Sentinel) markFinished() { s.finished.Store(true) }

// Handle owns one worker's execution state: its identity, liveness
// sentinel and inbound channel.
type Handle struct {
	ID       comm.WorkerID
	Chan     *comm.Simplex
	Sentinel *Sentinel
}

// Handles is the registry of every worker in the system. It provides
// controlled shutdown and liveness detection; it never auto-restarts
// a worker.
type Handles struct {
	mu      sync.Mutex
	handles []*Handle

	chans           *comm.Channels
	checkInterval   time.Duration
	shutdownMaxWait time.Duration
	logger          *log.Logger
}

func NewHandles(chans *comm.Channels, checkInterval, shutdownMaxWait time.Duration) *Handles {
	return &Handles{
		chans:           chans,
		checkInterval:   checkInterval,
		shutdownMaxWait: shutdownMaxWait,
		logger:          log.Default(),
	}
}

func (h *Handles) Register(id comm.WorkerID, chanIn *comm.Simplex, sentinel *Sentinel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles = append(h.handles, &Handle{ID: id, Chan: chanIn, Sentinel: sentinel})
}

// Spawn registers a worker and starts its run loop in its own
// goroutine. A panic in the worker is logged and turns its sentinel
// finished; it is never allowed to take the process down.
func (h *Handles) Spawn(id comm.WorkerID, chanIn *comm.Simplex, run func()) {
	sentinel := &Sentinel{}
	h.Register(id, chanIn, sentinel)
	go func() {
		defer sentinel.markFinished()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Printf("[%v] worker died: %v", id, r)
			}
		}()
		run()
	}()
}

func (h *Handles) snapshot() []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Handle, len(h.handles))
	copy(out, h.handles)
	return out
}

// RequestStopAll broadcasts Finish to every worker, then polls the
// fabric's total queue depth at the configured interval up to the
// configured maximum wait. Shutdown is best-effort: on timeout every
// non-empty queue and every unfinished worker is logged before giving
// up, and undelivered messages are dumped rather than discarded.
func (h *Handles) RequestStopAll() {
	if _, err := h.chans.Broadcast(comm.Finish{}); err != nil {
		h.logger.Printf("shutdown: finish broadcast incomplete: %v", err)
	}

	start := time.Now()
	for time.Since(start) < h.shutdownMaxWait {
		if h.chans.TotalPending() == 0 {
			h.logger.Printf("shutdown: all queues idle after %v", time.Since(start))
			break
		}
		time.Sleep(h.checkInterval)
	}

	if pending := h.chans.TotalPending(); pending > 0 {
		h.logger.Printf("shutdown: %d messages still pending after %v, dumping", pending, h.shutdownMaxWait)
		h.chans.DrainAndDump(h.logger.Printf)
	}

	// Give the workers a moment to see Finish, then report laggards.
	deadline := time.Now().Add(h.shutdownMaxWait)
	for time.Now().Before(deadline) {
		if len(h.unfinished()) == 0 {
			return
		}
		time.Sleep(h.checkInterval)
	}
	for _, id := range h.unfinished() {
		h.logger.Printf("shutdown: worker %v has not finished", id)
	}
}

func (h *Handles) unfinished() []comm.WorkerID {
	var ids []comm.WorkerID
	for _, hd := range h.snapshot() {
		if !hd.Sentinel.IsFinished() {
			ids = append(ids, hd.ID)
		}
	}
	return ids
}

// DeadWorkers returns the identities whose goroutine has exited,
// intentionally or via panic.
func (h *Handles) DeadWorkers() []comm.WorkerID {
	var dead []comm.WorkerID
	for _, hd := range h.snapshot() {
		if hd.Sentinel.IsFinished() {
			dead = append(dead, hd.ID)
		}
	}
	return dead
}

// Unresponsive pings every registered worker and returns how many
// were pinged together with the identities that failed to reply
// within the timeout. For fault detection only; nothing is restarted.
func (h *Handles) Unresponsive(timeout time.Duration) (int, []comm.WorkerID) {
	handles := h.snapshot()
	resp := comm.NewResponderSized(comm.WorkerID{}, len(handles))
	var pinged []comm.WorkerID
	for _, hd := range handles {
		if err := hd.Chan.Send(comm.Ping{From: comm.WorkerID{}, Resp: resp}); err != nil {
			h.logger.Printf("cannot ping %v: %v", hd.ID, err)
			continue
		}
		pinged = append(pinged, hd.ID)
	}

	responsive := resp.RecvPongs(timeout)
	answered := make(map[comm.WorkerID]bool, len(responsive))
	for _, id := range responsive {
		answered[id] = true
	}

	var unresponsive []comm.WorkerID
	for _, id := range pinged {
		if !answered[id] {
			unresponsive = append(unresponsive, id)
		}
	}
	return len(pinged), unresponsive
}
