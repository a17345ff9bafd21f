package nslock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/tee/types"
)

// ErrNilTransport is returned by a Pool without a downstream transport.
var ErrNilTransport = errors.New("nil transport")

// Dispatcher forwards a request to the secure side.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *types.Message) (int32, error)
}

// SlotDispatcher is a Dispatcher whose requests may keep a transport slot
// busy after Dispatch returns, as a cancelled mailbox request does until its
// reply arrives. release is called once the slot is free again.
type SlotDispatcher interface {
	Dispatcher
	DispatchRelease(ctx context.Context, msg *types.Message, release func()) (int32, error)
}

// Pool bounds the number of concurrent requests to a downstream transport
// with a counting semaphore. Callers in excess block until a unit is
// returned, rather than failing with a full queue. Over a SlotDispatcher a
// unit is held until the transport slot is freed, not until Dispatch returns.
type Pool struct {
	os    osal.OS
	slots uint32
	next  Dispatcher

	sem   osal.Semaphore
	ready atomic.Bool
	once  sync.Mutex

	options
}

// NewPool returns an uninitialized Pool allowing up to slots concurrent
// dispatches into next.
func NewPool(os osal.OS, slots int, next Dispatcher, opts ...Option) *Pool {
	p := &Pool{
		os:      os,
		next:    next,
		options: defaultOptions(),
	}

	if slots > 0 {
		p.slots = uint32(slots)
	}

	for _, o := range opts {
		o(&p.options)
	}

	return p
}

// Init creates the semaphore.
func (p *Pool) Init() error {
	p.once.Lock()
	defer p.once.Unlock()

	if p.ready.Load() {
		return nil
	}

	if p.next == nil {
		return fmt.Errorf("%w: %w", ErrInit, ErrNilTransport)
	}

	sem, err := p.os.NewSemaphore(p.slots, p.slots, "ns_lock_pool")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}

	p.sem = sem
	p.ready.Store(true)

	p.l.Debug("ns lock pool ready")

	return nil
}

// Slots returns the pool capacity.
func (p *Pool) Slots() int {
	return int(p.slots)
}

func (p *Pool) Dispatch(ctx context.Context, msg *types.Message) (int32, error) {
	if !p.ready.Load() {
		return 0, ErrNotInitialized
	}

	if err := p.acquire(ctx, p.sem); err != nil {
		return 0, err
	}

	if sd, ok := p.next.(SlotDispatcher); ok {
		var once sync.Once

		return sd.DispatchRelease(ctx, msg, func() {
			once.Do(func() { p.release(p.sem) })
		})
	}

	defer p.release(p.sem)

	return p.next.Dispatch(ctx, msg)
}
