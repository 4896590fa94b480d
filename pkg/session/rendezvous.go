package session

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/ghettovoice/gosip/sip"

	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/siperr"
)

const waiterBuffer = 4

// Rendezvous hands the responses of one outstanding transaction to the
// goroutine waiting for them. There is at most one waiter at a time.
type Rendezvous struct {
	mu     sync.Mutex
	waiter chan sip.Response
	closed core.Fuse
}

// Waiter is an armed slot of a Rendezvous.
type Waiter struct {
	r  *Rendezvous
	ch chan sip.Response
}

// Arm reserves the slot. It must happen before the request is sent so an
// early response finds its waiter.
func (r *Rendezvous) Arm() (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.IsBroken() {
		return nil, siperr.ErrSlotClosed
	}
	if r.waiter != nil {
		return nil, siperr.ErrSlotBusy
	}
	r.waiter = make(chan sip.Response, waiterBuffer)
	return &Waiter{r: r, ch: r.waiter}, nil
}

// Deliver passes res to the armed waiter.
func (r *Rendezvous) Deliver(res sip.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiter == nil {
		return siperr.ErrNoWaiter
	}
	select {
	case r.waiter <- res:
		return nil
	default:
		return siperr.ErrSlotBusy
	}
}

// Waiting reports whether the slot is armed.
func (r *Rendezvous) Waiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiter != nil
}

// Close unblocks the current waiter and refuses new ones.
func (r *Rendezvous) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed.Break()
}

// Wait returns the next final response carrying CSeq seq. Provisional
// responses and leftovers of earlier transactions are skipped.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration, method sip.RequestMethod, seq uint32) (sip.Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case res := <-w.ch:
			if res.IsProvisional() {
				continue
			}
			if n, _ := message.CSeq(res); n != seq {
				continue
			}
			return res, nil
		case <-expired:
			return nil, &siperr.SipTimeoutError{Method: string(method), Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.r.closed.Watch():
			return nil, siperr.ErrSlotClosed
		}
	}
}

// Release frees the slot for the next transaction.
func (w *Waiter) Release() {
	w.r.mu.Lock()
	defer w.r.mu.Unlock()
	if w.r.waiter == w.ch {
		w.r.waiter = nil
	}
}
