package mailbox

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/wallera-computer/nsipc/osal"
)

// ReplyWaiter is the strategy used by a Client to wait for replies.
type ReplyWaiter interface {
	// Init prepares the waiter for the slots of q.
	Init(q *Queue) error
	// Wait blocks until slot i of c is replied or ctx is done, in which
	// case the slot is abandoned.
	Wait(ctx context.Context, c *Client, i int) error
	// Wake is called by the reply interrupt, with the queue locked, for a
	// replied slot with a sleeping owner.
	Wake(i int)
	// Close releases the waiter resources.
	Close() error
}

// PollWaiter spins on the reply flag of the slot, yielding the processor
// between checks. It needs no OS support and suits platforms allowing a
// single outstanding call per caller.
type PollWaiter struct{}

// Compile-time check which fails if PollWaiter doesn't comply with the
// ReplyWaiter interface.
var _ ReplyWaiter = (*PollWaiter)(nil)

func NewPollWaiter() *PollWaiter {
	return &PollWaiter{}
}

func (w *PollWaiter) Init(*Queue) error {
	return nil
}

func (w *PollWaiter) Wait(ctx context.Context, c *Client, i int) error {
	cancellable := ctx.Done() != nil

	for {
		c.q.mu.Lock()

		if c.q.state(i) == SlotReplied {
			c.q.mu.Unlock()
			return nil
		}

		if cancellable {
			if err := ctx.Err(); err != nil {
				c.abandonLocked(i)
				c.q.mu.Unlock()
				return err
			}
		}

		c.q.mu.Unlock()

		runtime.Gosched()
	}
}

func (w *PollWaiter) Wake(int) {}

func (w *PollWaiter) Close() error {
	return nil
}

// SleepWaiter suspends the caller on a per-slot semaphore released by the
// reply interrupt, so several callers can have requests in flight without
// burning the processor.
type SleepWaiter struct {
	os     osal.OS
	sems   []osal.Semaphore
	slice  time.Duration
	closed atomic.Bool
}

// Compile-time check which fails if SleepWaiter doesn't comply with the
// ReplyWaiter interface.
var _ ReplyWaiter = (*SleepWaiter)(nil)

// NewSleepWaiter returns a waiter creating its semaphores through os.
func NewSleepWaiter(os osal.OS) *SleepWaiter {
	return &SleepWaiter{
		os:    os,
		slice: 5 * time.Millisecond,
	}
}

func (w *SleepWaiter) Init(q *Queue) error {
	if w.os == nil {
		return fmt.Errorf("%w: no os", ErrInvalidParams)
	}

	sems := make([]osal.Semaphore, 0, q.Slots())

	for i := 0; i < q.Slots(); i++ {
		s, err := w.os.NewSemaphore(1, 0, fmt.Sprintf("mailbox_slot_%d", i))
		if err != nil {
			return multierr.Append(err, deleteAll(sems))
		}

		sems = append(sems, s)
	}

	w.sems = sems

	return nil
}

func (w *SleepWaiter) Wait(ctx context.Context, c *Client, i int) error {
	if w.closed.Load() {
		return ErrClosed
	}

	c.q.mu.Lock()

	if c.q.state(i) == SlotReplied {
		c.q.mu.Unlock()
		return nil
	}

	c.q.slots[i].owned = true
	c.q.mu.Unlock()

	sem := w.sems[i]

	if ctx.Done() == nil {
		for sem.Acquire(osal.WaitForever) != osal.Success {
			if w.closed.Load() {
				return w.abandon(c, i)
			}
		}

		return nil
	}

	for {
		if sem.Acquire(w.slice) == osal.Success {
			return nil
		}

		if w.closed.Load() {
			return w.abandon(c, i)
		}

		err := ctx.Err()
		if err == nil {
			continue
		}

		c.q.mu.Lock()

		if c.q.slots[i].woken {
			// the wake-up was posted under the lock, consume it
			c.q.mu.Unlock()
			sem.Acquire(osal.WaitForever)

			return nil
		}

		c.abandonLocked(i)
		c.q.mu.Unlock()

		return err
	}
}

// abandon gives up slot i after its semaphore was deleted by Close.
func (w *SleepWaiter) abandon(c *Client, i int) error {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	if c.q.state(i) == SlotReplied {
		// replied before Close, Rx can still collect it
		return nil
	}

	c.abandonLocked(i)

	return ErrClosed
}

func (w *SleepWaiter) Wake(i int) {
	if w.closed.Load() {
		return
	}

	w.sems[i].Release()
}

// Close deletes the slot semaphores. Callers sleeping on them return
// ErrClosed and their slots are released when the replies arrive.
func (w *SleepWaiter) Close() error {
	if !w.closed.CAS(false, true) {
		return nil
	}

	return deleteAll(w.sems)
}

func deleteAll(sems []osal.Semaphore) (err error) {
	for i, s := range sems {
		if s.Delete() != osal.Success {
			err = multierr.Append(err, fmt.Errorf("cannot delete slot %d semaphore", i))
		}
	}

	return
}
