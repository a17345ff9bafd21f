package mailbox

import (
	"context"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/tee/types"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.l = log.Or(l)
	}
}

// WithClientID sets the identifier reported for callers that do not run in
// an OS thread.
func WithClientID(id int32) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

// Client is the non-secure endpoint of the mailbox.
type Client struct {
	q        *Queue
	hal      HAL
	waiter   ReplyWaiter
	clientID int32

	stats counters
	l     *zap.Logger
}

// NewClient initializes the mailbox transport on q. A nil waiter selects
// busy polling.
func NewClient(q *Queue, hal HAL, waiter ReplyWaiter, opts ...Option) (*Client, error) {
	if q == nil || hal == nil {
		return nil, fmt.Errorf("%w: missing queue or hal", ErrInit)
	}

	if waiter == nil {
		waiter = NewPollWaiter()
	}

	c := &Client{
		q:        q,
		hal:      hal,
		waiter:   waiter,
		clientID: DefaultClientID,
		l:        log.Nop(),
	}

	for _, o := range opts {
		o(c)
	}

	if err := hal.Init(q); err != nil {
		return nil, fmt.Errorf("%w: hal, %w", ErrInit, err)
	}

	if err := waiter.Init(q); err != nil {
		return nil, fmt.Errorf("%w: reply waiter, %w", ErrInit, err)
	}

	q.setIRQ(c.WakeReplyOwners)

	c.l.Debug("mailbox client ready", zap.Int("slots", q.Slots()))

	return c, nil
}

// Queue returns the queue served by c.
func (c *Client) Queue() *Queue {
	return c.q
}

// ClientID returns the non-secure client identifier of the caller owning
// ctx: the negated handle of its OS thread, or the configured default.
func (c *Client) ClientID(ctx context.Context) int32 {
	if h := osal.CurrentHandle(ctx); h != 0 {
		return -int32(h)
	}

	return c.clientID
}

// Tx places a request in a free slot and notifies the secure core.
func (c *Client) Tx(typ types.MsgType, params *types.Params, clientID int32) (MsgHandle, error) {
	return c.tx(typ, params, clientID, nil)
}

// tx is Tx calling onFree, if set, once the slot of the request is freed.
// onFree is called right away when no slot is claimed.
func (c *Client) tx(typ types.MsgType, params *types.Params, clientID int32, onFree func()) (MsgHandle, error) {
	if !typ.Valid() || params == nil {
		if onFree != nil {
			onFree()
		}

		return InvalidMsgHandle, fmt.Errorf("%w: message type %v", ErrInvalidParams, typ)
	}

	c.q.mu.Lock()

	i, ok := c.q.alloc()
	if !ok {
		c.q.mu.Unlock()
		c.stats.queueFull.Inc()

		if onFree != nil {
			onFree()
		}

		return InvalidMsgHandle, ErrQueueFull
	}

	c.q.slots[i].msg = types.Message{
		Type:     typ,
		Params:   *params,
		ClientID: clientID,
	}
	c.q.slots[i].onFree = onFree
	c.q.pend |= 1 << i

	inFlight := c.q.Slots() - bits.OnesCount32(c.q.empty)

	c.q.mu.Unlock()

	c.stats.tx.Inc()
	c.stats.inFlight(inFlight)

	if err := c.hal.NotifyPeer(); err != nil {
		c.withdraw(i)
		return InvalidMsgHandle, fmt.Errorf("%w, %w", ErrNotify, err)
	}

	return handleOf(i), nil
}

// withdraw takes back a request whose notification failed. A request
// already fetched by the secure side is abandoned instead, so its slot
// returns to the pool with the reply.
func (c *Client) withdraw(i int) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	if c.q.state(i) == SlotPending {
		c.q.free(i)
		return
	}

	c.abandonLocked(i)
}

func (c *Client) abandonLocked(i int) {
	c.stats.abandoned.Inc()

	if c.q.state(i) == SlotReplied {
		c.q.free(i)
		return
	}

	c.q.slots[i].abandoned = true
}

// lookup validates h, the caller holds the queue lock.
func (c *Client) lookup(h MsgHandle) (int, error) {
	i := h.index()
	if !c.q.valid(i) || c.q.state(i) == SlotFree {
		return 0, fmt.Errorf("%w: message handle %d", ErrInvalidParams, h)
	}

	return i, nil
}

// IsReplied reports whether the secure side answered the message h.
func (c *Client) IsReplied(h MsgHandle) bool {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	i, err := c.lookup(h)
	if err != nil {
		return false
	}

	return c.q.state(i) == SlotReplied
}

// Wait blocks until the message h is replied. If ctx is done first the
// message is abandoned: its slot is released when the reply arrives and h
// must not be used anymore.
func (c *Client) Wait(ctx context.Context, h MsgHandle) error {
	c.q.mu.Lock()
	i, err := c.lookup(h)
	c.q.mu.Unlock()

	if err != nil {
		return err
	}

	return c.waiter.Wait(ctx, c, i)
}

// Rx collects the reply of message h and releases its slot. It fails with
// ErrNotReplied, leaving the slot untouched, if the reply is not there yet.
func (c *Client) Rx(h MsgHandle) (int32, error) {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	i, err := c.lookup(h)
	if err != nil {
		return 0, err
	}

	if c.q.state(i) != SlotReplied {
		return 0, fmt.Errorf("%w: message handle %d", ErrNotReplied, h)
	}

	val := c.q.slots[i].reply.ReturnVal
	c.q.free(i)
	c.stats.rx.Inc()

	return val, nil
}

// Dispatch sends msg and blocks until its reply is collected.
func (c *Client) Dispatch(ctx context.Context, msg *types.Message) (int32, error) {
	return c.DispatchRelease(ctx, msg, nil)
}

// DispatchRelease is Dispatch calling release, if set, once the slot used
// by msg is back in the queue. For a request abandoned on cancellation that
// happens when the secure side replies, after DispatchRelease returned.
// release runs exactly once and must not call back into c.
func (c *Client) DispatchRelease(ctx context.Context, msg *types.Message, release func()) (int32, error) {
	if msg == nil {
		if release != nil {
			release()
		}

		return 0, ErrInvalidParams
	}

	id := msg.ClientID
	if id == 0 {
		id = c.ClientID(ctx)
	}

	h, err := c.tx(msg.Type, &msg.Params, id, release)
	if err != nil {
		return 0, err
	}

	if err := c.Wait(ctx, h); err != nil {
		return 0, err
	}

	return c.Rx(h)
}

// WakeReplyOwners is the reply interrupt handler. It releases abandoned
// slots that got their reply and wakes the callers sleeping on the others.
func (c *Client) WakeReplyOwners() {
	c.q.mu.Lock()
	defer c.q.mu.Unlock()

	for r := c.q.replied; r != 0; r &= r - 1 {
		i := bits.TrailingZeros32(r)
		s := &c.q.slots[i]

		switch {
		case s.abandoned:
			c.q.free(i)
		case s.owned && !s.woken:
			s.woken = true
			c.waiter.Wake(i)
		}
	}
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.q.mu.Lock()
	inFlight := c.q.Slots() - bits.OnesCount32(c.q.empty)
	c.q.mu.Unlock()

	return Stats{
		Tx:          c.stats.tx.Load(),
		Rx:          c.stats.rx.Load(),
		QueueFull:   c.stats.queueFull.Load(),
		Abandoned:   c.stats.abandoned.Load(),
		InFlight:    inFlight,
		MaxInFlight: int(c.stats.maxInFlight.Load()),
	}
}

// Close releases the resources of the reply waiter.
func (c *Client) Close() error {
	c.q.setIRQ(nil)
	return c.waiter.Close()
}
