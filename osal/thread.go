package osal

import (
	"context"
	"runtime"
)

// Priority is a thread scheduling priority, higher runs first.
type Priority int

const (
	PriorityLow         Priority = 8
	PriorityBelowNormal Priority = 16
	PriorityNormal      Priority = 24
	PriorityAboveNormal Priority = 32
	PriorityHigh        Priority = 40
)

// Thread is a thread of execution created through OS.NewThread.
type Thread struct {
	name     string
	handle   uint32
	priority Priority
	done     chan struct{}
}

type threadKey struct{}

func (t *Thread) Name() string {
	return t.name
}

// Handle returns the thread identifier, unique and non-zero for the OS that
// created the thread.
func (t *Thread) Handle() uint32 {
	return t.handle
}

func (t *Thread) Priority() Priority {
	return t.priority
}

// Join blocks until the thread function returns or the thread exits.
func (t *Thread) Join() {
	<-t.done
}

// Done is closed once the thread terminated.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Exit terminates the calling thread. It must only be called from the
// thread itself.
func (t *Thread) Exit() {
	runtime.Goexit()
}

func (t *Thread) run(ctx context.Context, fn func(ctx context.Context)) {
	defer close(t.done)
	fn(context.WithValue(ctx, threadKey{}, t))
}

// ThreadFromContext returns the thread running the code that received ctx.
func ThreadFromContext(ctx context.Context) (*Thread, bool) {
	if ctx == nil {
		return nil, false
	}

	t, ok := ctx.Value(threadKey{}).(*Thread)
	return t, ok
}

// CurrentHandle returns the handle of the thread owning ctx, or zero when
// ctx does not belong to an OS thread.
func CurrentHandle(ctx context.Context) uint32 {
	t, ok := ThreadFromContext(ctx)
	if !ok {
		return 0
	}

	return t.handle
}

// CurrentPriority returns the priority of the thread owning ctx.
func CurrentPriority(ctx context.Context) (Priority, bool) {
	t, ok := ThreadFromContext(ctx)
	if !ok {
		return 0, false
	}

	return t.priority, true
}
