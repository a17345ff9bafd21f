// Package nslock serializes concurrent non-secure callers into the secure
// partition.
//
// Lock is used when both worlds share a core: every dispatch runs the
// veneer under a single mutex, so the secure side sees one request at a
// time. Pool is used in front of a multi-core transport: it bounds the
// requests in flight to the number of mailbox slots instead.
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

var (
	// ErrInit is returned when the lock primitive cannot be created. The
	// system cannot call into the secure side without it.
	ErrInit = errors.New("ns lock initialization failed")

	ErrNotInitialized = errors.New("ns lock not initialized")
	ErrNilVeneer      = errors.New("nil veneer")
)

// Lock is the non-secure lock around secure partition calls.
type Lock struct {
	os    osal.OS
	mu    osal.Mutex
	ready atomic.Bool
	once  sync.Mutex

	options
}

// New returns an uninitialized Lock using os primitives.
func New(os osal.OS, opts ...Option) *Lock {
	l := &Lock{
		os:      os,
		options: defaultOptions(),
	}

	for _, o := range opts {
		o(&l.options)
	}

	return l
}

// Init creates the lock mutex. Calling Init on a ready Lock is a no-op.
func (l *Lock) Init() error {
	l.once.Lock()
	defer l.once.Unlock()

	if l.ready.Load() {
		return nil
	}

	m, err := l.os.NewMutex()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}

	l.mu = m
	l.ready.Store(true)

	l.l.Debug("ns lock ready")

	return nil
}

// Dispatch runs v with msg while holding the lock and returns the veneer
// result unchanged. The lock is released on every path, including a
// panicking veneer.
//
// Waiting for the lock stops if ctx is cancelled; once the veneer has been
// entered the call runs to completion.
func (l *Lock) Dispatch(ctx context.Context, v types.Veneer, msg *types.Message) (int32, error) {
	if !l.ready.Load() {
		return 0, ErrNotInitialized
	}

	if v == nil {
		return 0, ErrNilVeneer
	}

	if err := l.acquire(ctx, l.mu); err != nil {
		return 0, err
	}
	defer l.release(l.mu)

	return v.Call(msg), nil
}

// Bind returns a transport dispatching through l into v.
func (l *Lock) Bind(v types.Veneer) *Transport {
	return &Transport{
		lock:   l,
		veneer: v,
	}
}

// Transport is a Lock bound to a veneer.
type Transport struct {
	lock   *Lock
	veneer types.Veneer
}

func (t *Transport) Dispatch(ctx context.Context, msg *types.Message) (int32, error) {
	return t.lock.Dispatch(ctx, t.veneer, msg)
}
