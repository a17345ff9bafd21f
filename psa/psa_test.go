package psa

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/wallera-computer/nsipc/osal"
	"github.com/wallera-computer/nsipc/tee/mailbox"
	"github.com/wallera-computer/nsipc/tee/nslock"
	"github.com/wallera-computer/nsipc/tee/partition"
	"github.com/wallera-computer/nsipc/tee/types"
)

const echoSID = 0x1234

type recorder struct {
	calls atomic.Int32
	ret   int32
	err   error
	last  types.Message
}

func (r *recorder) Dispatch(_ context.Context, msg *types.Message) (int32, error) {
	r.calls.Inc()
	r.last = *msg
	return r.ret, r.err
}

func newPartition(t *testing.T) *partition.Partition {
	t.Helper()

	p := partition.New()
	require.NoError(t, p.Register(partition.EchoService(echoSID)))

	return p
}

func lockTransport(t *testing.T, p *partition.Partition) Transport {
	t.Helper()

	l := nslock.New(osal.NewGo())
	require.NoError(t, l.Init())

	return l.Bind(p)
}

func mailboxTransport(t *testing.T, p *partition.Partition, w mailbox.ReplyWaiter, pooled bool) Transport {
	t.Helper()

	q, err := mailbox.NewQueue(mailbox.DefaultSlots)
	require.NoError(t, err)

	db := mailbox.NewDoorbell()
	mc, err := mailbox.NewClient(q, db, w)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx, q, db.Ring())
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, mc.Close())
	})

	if !pooled {
		return mc
	}

	pool := nslock.NewPool(osal.NewGo(), q.Slots(), mc)
	require.NoError(t, pool.Init())

	return pool
}

func transports() map[string]func(t *testing.T, p *partition.Partition) Transport {
	return map[string]func(t *testing.T, p *partition.Partition) Transport{
		"ns lock": lockTransport,
		"mailbox poll": func(t *testing.T, p *partition.Partition) Transport {
			return mailboxTransport(t, p, mailbox.NewPollWaiter(), false)
		},
		"mailbox sleep pooled": func(t *testing.T, p *partition.Partition) Transport {
			return mailboxTransport(t, p, mailbox.NewSleepWaiter(osal.NewGo()), true)
		},
	}
}

func TestClient_EndToEnd(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newTransport(t, newPartition(t)))

			fv, err := c.FrameworkVersion(ctx)
			require.NoError(t, err)
			require.Equal(t, types.FrameworkVersion, fv)

			v, err := c.Version(ctx, echoSID)
			require.NoError(t, err)
			require.Equal(t, uint32(1), v)

			v, err = c.Version(ctx, 0xdead)
			require.NoError(t, err)
			require.Equal(t, types.VersionNone, v)

			h, err := c.Connect(ctx, echoSID, 1)
			require.NoError(t, err)
			require.True(t, h.Valid())

			buf := []byte{0, 0, 0, 0, 0xa, 0xb, 0xc, 0xd}
			status, err := c.Call(ctx, h, types.IPCCall,
				[]types.InVec{{Base: []byte{1, 2, 3, 4}}},
				[]types.OutVec{{Base: buf}},
			)
			require.NoError(t, err)
			require.Equal(t, types.Success, status)
			require.Equal(t, []byte{1, 2, 3, 4, 0xa, 0xb, 0xc, 0xd}, buf)

			require.NoError(t, c.Close(ctx, h))

			status, err = c.Call(ctx, h, types.IPCCall, nil, nil)
			require.ErrorIs(t, err, types.ErrorInvalidHandle)
			require.Equal(t, types.ErrorInvalidHandle, status)
		})
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	c := New(lockTransport(t, newPartition(t)))

	h, err := c.Connect(context.Background(), echoSID, 2)
	require.ErrorIs(t, err, types.ErrorConnectionRefused)
	require.Equal(t, types.NullHandle, h)
	require.Equal(t, types.ErrorConnectionRefused, StatusOf(err))

	_, err = c.Connect(context.Background(), 0x99, 1)
	require.ErrorIs(t, err, types.ErrorConnectionRefused)
}

func TestClient_IdempotentClose(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPartition(t)
			c := New(newTransport(t, p))

			h, err := c.Connect(ctx, echoSID, 1)
			require.NoError(t, err)

			require.NoError(t, c.Close(ctx, h))
			require.NoError(t, c.Close(ctx, h))
			require.NoError(t, c.Close(ctx, types.NullHandle))
			require.NoError(t, c.Close(ctx, types.Handle(-4)))
			require.NoError(t, c.Close(ctx, h+42))
			require.Equal(t, 0, p.Connections())

			// the transport is still fully usable
			h, err = c.Connect(ctx, echoSID, 1)
			require.NoError(t, err)
			require.True(t, h.Valid())
		})
	}
}

func TestClient_ProgrammerErrorShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		typ  int32
		in   int
		out  int
		want types.Status
	}{
		{"in_len above 255", types.IPCCall, 300, 1, types.ErrorProgrammerError},
		{"out_len above 255", types.IPCCall, 1, 256, types.ErrorProgrammerError},
		{"type above int16", 1 << 15, 0, 0, types.ErrorProgrammerError},
		{"type below int16", -(1 << 15) - 1, 0, 0, types.ErrorProgrammerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			c := New(r)

			status, err := c.Call(context.Background(), 1, tt.typ,
				make([]types.InVec, tt.in), make([]types.OutVec, tt.out))
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, tt.want, status)
			require.Equal(t, int32(0), r.calls.Load())
		})
	}
}

func TestClient_CallCarriesCtrl(t *testing.T) {
	r := &recorder{}
	c := New(r)

	in := make([]types.InVec, 2)
	out := make([]types.OutVec, 1)

	_, err := c.Call(context.Background(), 9, -7, in, out)
	require.NoError(t, err)
	require.Equal(t, types.MsgCall, r.last.Type)
	require.Equal(t, types.Handle(9), r.last.Params.Handle)

	typ, inLen, outLen := types.UnpackCtrl(r.last.Params.Ctrl)
	require.Equal(t, int32(-7), typ)
	require.Equal(t, uint8(2), inLen)
	require.Equal(t, uint8(1), outLen)
}

func TestClient_InvalidHandleShortCircuit(t *testing.T) {
	r := &recorder{}
	c := New(r)

	for _, h := range []types.Handle{types.NullHandle, -1} {
		status, err := c.Call(context.Background(), h, types.IPCCall, nil, nil)
		require.ErrorIs(t, err, types.ErrorInvalidHandle)
		require.Equal(t, types.ErrorInvalidHandle, status)
	}

	require.Equal(t, int32(0), r.calls.Load())
}

func TestClient_TransportFailures(t *testing.T) {
	tests := []struct {
		name     string
		r        *recorder
		sentinel error
	}{
		{"queue full", &recorder{err: mailbox.ErrQueueFull}, mailbox.ErrQueueFull},
		{"lock not ready", &recorder{err: nslock.ErrNotInitialized}, nslock.ErrNotInitialized},
		{"secure side unreachable", &recorder{ret: int32(types.InterCoreCommError)}, ErrCommunication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.r)

			_, err := c.FrameworkVersion(context.Background())
			require.ErrorIs(t, err, ErrCommunication)
			require.ErrorIs(t, err, tt.sentinel)
			require.Equal(t, types.InterCoreCommError, StatusOf(err))

			status, err := c.Call(context.Background(), 1, types.IPCCall, nil, nil)
			require.ErrorIs(t, err, ErrCommunication)
			require.Equal(t, types.InterCoreCommError, status)

			_, err = c.Connect(context.Background(), echoSID, 1)
			require.ErrorIs(t, err, ErrCommunication)

			require.ErrorIs(t, c.Close(context.Background(), 1), ErrCommunication)
		})
	}
}

func TestClient_CallTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	tr := transportFunc(func(ctx context.Context, _ *types.Message) (int32, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-block:
			return 0, nil
		}
	})

	c := New(tr, WithCallTimeout(10*time.Millisecond))

	_, err := c.Version(context.Background(), echoSID)
	require.ErrorIs(t, err, ErrCommunication)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

type transportFunc func(ctx context.Context, msg *types.Message) (int32, error)

func (f transportFunc) Dispatch(ctx context.Context, msg *types.Message) (int32, error) {
	return f(ctx, msg)
}

func TestStatusOf(t *testing.T) {
	require.Equal(t, types.Success, StatusOf(nil))
	require.Equal(t, types.ErrorBadState, StatusOf(types.ErrorBadState))
	require.Equal(t, types.InterCoreCommError, StatusOf(errors.New("boom")))
}

func TestClient_ConcurrentCallers(t *testing.T) {
	for name, newTransport := range transports() {
		t.Run(name, func(t *testing.T) {
			c := New(newTransport(t, newPartition(t)))

			var eg errgroup.Group
			for i := 0; i < 8; i++ {
				i := i
				eg.Go(func() error {
					ctx := context.Background()

					var h types.Handle
					err := untilQueued(func() (err error) {
						h, err = c.Connect(ctx, echoSID, 1)
						return err
					})
					if err != nil {
						return err
					}

					for r := 0; r < 20; r++ {
						in := []byte{byte(i), byte(r)}
						out := make([]byte, 2)

						err := untilQueued(func() error {
							_, err := c.Call(ctx, h, types.IPCCall,
								[]types.InVec{{Base: in}}, []types.OutVec{{Base: out}})
							return err
						})
						if err != nil {
							return err
						}
						if out[0] != in[0] || out[1] != in[1] {
							return errors.New("reply of another caller")
						}
					}

					return untilQueued(func() error {
						return c.Close(ctx, h)
					})
				})
			}

			require.NoError(t, eg.Wait())
		})
	}
}

// untilQueued retries fn while the mailbox has no free slot.
func untilQueued(fn func() error) error {
	for {
		err := fn()
		if !errors.Is(err, mailbox.ErrQueueFull) {
			return err
		}

		runtime.Gosched()
	}
}
