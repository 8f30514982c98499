package comm

import (
	"fmt"
	"time"
)

const responderCapacity = 8

// Responder is the reply channel attached to request messages.
type Responder struct {
	sx   *Simplex
	from WorkerID
}

func NewResponder(from WorkerID) *Responder {
	return NewResponderSized(from, responderCapacity)
}

// NewResponderSized is for fan-in requests that expect more replies
// than the default capacity, such as a ping of every worker.
func NewResponderSized(from WorkerID, capacity int) *Responder {
	if capacity < 1 {
		capacity = 1
	}
	return &Responder{
		sx:   NewSimplex(capacity),
		from: from,
	}
}

func (r *Responder) From() WorkerID { return r.from }

func (r *Responder) Send(msg Msg) error {
	return r.sx.Send(msg)
}

// Recv waits up to timeout for a reply.
func (r *Responder) Recv(timeout time.Duration) (Msg, error) {
	msg, ok := r.sx.RecvTimeout(timeout)
	if !ok {
		return nil, fmt.Errorf("%w after %v", ErrRecvTimeout, timeout)
	}
	return msg, nil
}

// RecvResult waits for a reply and unwraps the Ok/Fail convention.
func (r *Responder) RecvResult(timeout time.Duration) error {
	msg, err := r.Recv(timeout)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case Ok:
		return nil
	case Fail:
		return m.Err
	default:
		return fmt.Errorf("zonedb err: unexpected reply %T", msg)
	}
}

// RecvPongs collects Pong replies until the timeout elapses,
// returning the identities that answered.
func (r *Responder) RecvPongs(timeout time.Duration) []WorkerID {
	var responsive []WorkerID
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return responsive
		}
		msg, ok := r.sx.RecvTimeout(remaining)
		if !ok {
			return responsive
		}
		if pong, isPong := msg.(Pong); isPong {
			responsive = append(responsive, pong.From)
		}
	}
}
