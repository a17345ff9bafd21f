package osal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wallera-computer/nsipc/log"
)

// Compile-time check which fails if Go doesn't comply with the OS
// interface.
var _ OS = (*Go)(nil)

// Go implements OS on top of goroutines and weighted semaphores.
type Go struct {
	limit   int64
	objects atomic.Int64
	handles atomic.Uint32

	l *zap.Logger
}

// GoOption configures a Go OS.
type GoOption func(*Go)

// WithObjectLimit caps the number of live mutexes, semaphores and threads.
// Creation past the limit fails with ErrResourceExhausted.
func WithObjectLimit(n int) GoOption {
	return func(g *Go) {
		g.limit = int64(n)
	}
}

// WithLogger sets the logger used to trace object lifecycle.
func WithLogger(l *zap.Logger) GoOption {
	return func(g *Go) {
		g.l = log.Or(l)
	}
}

func NewGo(opts ...GoOption) *Go {
	g := &Go{
		l: log.Nop(),
	}

	for _, o := range opts {
		o(g)
	}

	return g
}

// Objects returns the number of live objects.
func (g *Go) Objects() int {
	return int(g.objects.Load())
}

func (g *Go) reserve() error {
	n := g.objects.Inc()
	if g.limit > 0 && n > g.limit {
		g.objects.Dec()
		return ErrResourceExhausted
	}

	return nil
}

func (g *Go) NewMutex() (Mutex, error) {
	s, err := g.newSemaphore(1, 1, "mutex")
	if err != nil {
		return nil, fmt.Errorf("cannot create mutex, %w", err)
	}

	return &mutex{sem: s}, nil
}

func (g *Go) NewSemaphore(max, initial uint32, name string) (Semaphore, error) {
	s, err := g.newSemaphore(max, initial, name)
	if err != nil {
		return nil, fmt.Errorf("cannot create semaphore %q, %w", name, err)
	}

	return s, nil
}

func (g *Go) newSemaphore(max, initial uint32, name string) (*countingSemaphore, error) {
	if max == 0 || initial > max {
		return nil, ErrInvalidArgument
	}

	if err := g.reserve(); err != nil {
		return nil, err
	}

	s := &countingSemaphore{
		name:  name,
		max:   int64(max),
		w:     semaphore.NewWeighted(int64(max)),
		owner: g,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if taken := int64(max - initial); taken > 0 {
		// a fresh semaphore always has max units available
		s.w.TryAcquire(taken)
	}

	s.avail.Store(int64(initial))

	g.l.Debug("semaphore created", zap.String("name", name), zap.Uint32("max", max), zap.Uint32("initial", initial))

	return s, nil
}

func (g *Go) NewThread(name string, priority Priority, fn func(ctx context.Context)) (*Thread, error) {
	if fn == nil {
		return nil, ErrInvalidArgument
	}

	if err := g.reserve(); err != nil {
		return nil, fmt.Errorf("cannot create thread %q, %w", name, err)
	}

	t := &Thread{
		name:     name,
		handle:   g.handles.Inc(),
		priority: priority,
		done:     make(chan struct{}),
	}

	g.l.Debug("thread created", zap.String("name", name), zap.Uint32("handle", t.handle), zap.Int("priority", int(priority)))

	go func() {
		defer g.objects.Dec()
		t.run(context.Background(), fn)
	}()

	return t, nil
}

type countingSemaphore struct {
	name    string
	max     int64
	w       *semaphore.Weighted
	avail   atomic.Int64
	deleted atomic.Bool
	owner   *Go

	// ctx is cancelled by Delete, failing every pending Acquire.
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *countingSemaphore) Acquire(timeout time.Duration) Status {
	if s.deleted.Load() {
		return Error
	}

	switch {
	case timeout == WaitForever:
		if err := s.w.Acquire(s.ctx, 1); err != nil {
			return Error
		}
	case timeout <= 0:
		if !s.w.TryAcquire(1) {
			return Error
		}
	default:
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		if err := s.w.Acquire(ctx, 1); err != nil {
			return Error
		}
	}

	s.avail.Dec()

	return Success
}

func (s *countingSemaphore) Release() Status {
	if s.deleted.Load() {
		return Error
	}

	for {
		n := s.avail.Load()
		if n >= s.max {
			return Error
		}

		if s.avail.CAS(n, n+1) {
			break
		}
	}

	s.w.Release(1)

	return Success
}

func (s *countingSemaphore) Delete() Status {
	if !s.deleted.CAS(false, true) {
		return Error
	}

	s.cancel()
	s.owner.objects.Dec()
	s.owner.l.Debug("semaphore deleted", zap.String("name", s.name))

	return Success
}

type mutex struct {
	sem *countingSemaphore
}

func (m *mutex) Acquire(timeout time.Duration) Status {
	return m.sem.Acquire(timeout)
}

func (m *mutex) Release() Status {
	return m.sem.Release()
}

func (m *mutex) Delete() Status {
	return m.sem.Delete()
}
