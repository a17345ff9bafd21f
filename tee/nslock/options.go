package nslock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/osal"
)

// Op names the lock operation reported to a retry observer.
type Op string

const (
	OpAcquire Op = "acquire"
	OpRelease Op = "release"
)

// Option configures a Lock or a Pool.
type Option func(*options)

type options struct {
	l       *zap.Logger
	onRetry func(Op)
	slice   time.Duration
}

func defaultOptions() options {
	return options{
		l:     log.Nop(),
		slice: 10 * time.Millisecond,
	}
}

// WithLogger sets the logger used to report retried lock operations.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.l = log.Or(l)
	}
}

// WithRetryObserver installs a hook called every time an acquire or release
// of the underlying primitive fails and is retried.
func WithRetryObserver(f func(Op)) Option {
	return func(o *options) {
		o.onRetry = f
	}
}

// WithCancelSlice sets how long a single acquire attempt waits when the
// caller context can be cancelled. Non-cancellable contexts always wait
// forever.
func WithCancelSlice(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.slice = d
		}
	}
}

type primitive interface {
	Acquire(timeout time.Duration) osal.Status
	Release() osal.Status
}

// acquire loops until p is obtained. An OS failure is assumed to be
// transient and is retried; only cancellation of ctx stops the loop.
// TODO: bound the retries once the RTOS mutex failure modes are
// characterized, a corrupted primitive currently spins here forever.
func (o *options) acquire(ctx context.Context, p primitive) error {
	cancellable := ctx.Done() != nil

	for {
		timeout := osal.WaitForever
		if cancellable {
			if err := ctx.Err(); err != nil {
				return err
			}

			timeout = o.slice
		}

		if p.Acquire(timeout) == osal.Success {
			return nil
		}

		if !cancellable {
			o.retried(OpAcquire)
		}
	}
}

// release loops until p is released. A dropped release would deadlock
// every later caller, so it is never given up.
func (o *options) release(p primitive) {
	for p.Release() != osal.Success {
		o.retried(OpRelease)
	}
}

func (o *options) retried(op Op) {
	o.l.Warn("ns lock operation failed, retrying", zap.String("op", string(op)))

	if o.onRetry != nil {
		o.onRetry(op)
	}
}
