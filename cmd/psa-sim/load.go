package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/atomic"

	"github.com/wallera-computer/nsipc/config"
	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/psa"
	"github.com/wallera-computer/nsipc/tee/mailbox"
	"github.com/wallera-computer/nsipc/tee/types"
)

type loadResult struct {
	calls    atomic.Int64
	failures atomic.Int64
	elapsed  time.Duration

	tick func()
}

// runLoad starts a.callers client threads, each connecting to svc and
// issuing a.calls echo requests. It returns once every thread is done or
// parent is cancelled. tick, if set, is called after every echo call.
func runLoad(parent context.Context, g *osal.Go, client *psa.Client, svc config.Service, a args, tick func()) *loadResult {
	res := &loadResult{tick: tick}
	start := time.Now()

	threads := make([]*osal.Thread, 0, a.callers)
	for i := 0; i < a.callers; i++ {
		id := i

		th, err := g.NewThread(fmt.Sprintf("ns_client_%d", id), osal.PriorityNormal, func(ctx context.Context) {
			if err := echoLoop(parent, ctx, client, svc, a, res); err != nil {
				res.failures.Inc()
			}
		})
		if err != nil {
			res.failures.Inc()
			continue
		}

		threads = append(threads, th)
	}

	for _, th := range threads {
		th.Join()
	}

	res.elapsed = time.Since(start)

	return res
}

// echoLoop runs in a client thread: ctx identifies the thread towards the
// secure side, parent stops the loop between calls.
func echoLoop(parent, ctx context.Context, client *psa.Client, svc config.Service, a args, res *loadResult) error {
	var h types.Handle

	err := retryFull(func() (err error) {
		h, err = client.Connect(ctx, svc.SID, svc.Version)
		return err
	})
	if err != nil {
		return err
	}

	defer func() {
		_ = retryFull(func() error {
			return client.Close(ctx, h)
		})
	}()

	in := make([]byte, a.payload)
	out := make([]byte, a.payload)

	for n := 0; n < a.calls && parent.Err() == nil; n++ {
		for i := range in {
			in[i] = byte(n + i)
		}

		err := retryFull(func() error {
			_, err := client.Call(ctx, h, types.IPCCall,
				[]types.InVec{{Base: in}},
				[]types.OutVec{{Base: out}},
			)
			return err
		})

		res.calls.Inc()
		if res.tick != nil {
			res.tick()
		}

		if err != nil {
			res.failures.Inc()
			continue
		}

		if !bytes.Equal(in, out) {
			res.failures.Inc()
		}
	}

	return nil
}

// retryFull repeats fn while the mailbox rejects requests for lack of
// slots, which happens when callers are not bounded by the semaphore pool.
func retryFull(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, mailbox.ErrQueueFull) {
			return err
		}

		runtime.Gosched()
	}
}
