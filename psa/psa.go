// Package psa implements the PSA client API on top of a transport towards
// the secure partition.
//
// The same Client works with every transport: an nslock.Transport when both
// worlds share a core, a mailbox.Client (optionally behind an nslock.Pool)
// for multi-core platforms.
package psa

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/tee/types"
)

// Transport carries a message to the secure partition and returns its
// result.
type Transport interface {
	Dispatch(ctx context.Context, msg *types.Message) (int32, error)
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.l = log.Or(l)
	}
}

// WithCallTimeout bounds every request issued by the client. Without it
// requests block until the secure side answers, unless the caller context
// says otherwise.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client is a PSA client bound to a transport.
type Client struct {
	t       Transport
	timeout time.Duration
	l       *zap.Logger
}

func New(t Transport, opts ...Option) *Client {
	c := &Client{
		t: t,
		l: log.Nop(),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Client) dispatch(ctx context.Context, msg *types.Message) (int32, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ret, err := c.t.Dispatch(ctx, msg)
	if err != nil {
		c.l.Debug("transport failure", zap.Stringer("type", msg.Type), zap.Error(err))
		return 0, fmt.Errorf("%w: %s, %w", ErrCommunication, msg.Type, err)
	}

	if ret == int32(types.InterCoreCommError) {
		return 0, fmt.Errorf("%w: %s", ErrCommunication, msg.Type)
	}

	return ret, nil
}

// FrameworkVersion returns the version of the PSA framework implemented by
// the secure partition.
func (c *Client) FrameworkVersion(ctx context.Context) (uint32, error) {
	ret, err := c.dispatch(ctx, &types.Message{Type: types.MsgFrameworkVersion})
	if err != nil {
		return 0, err
	}

	return uint32(ret), nil
}

// Version returns the version of the service sid, or types.VersionNone if
// it is not available to the caller.
func (c *Client) Version(ctx context.Context, sid uint32) (uint32, error) {
	ret, err := c.dispatch(ctx, &types.Message{
		Type:   types.MsgVersion,
		Params: types.Params{SID: sid},
	})
	if err != nil {
		return 0, err
	}

	return uint32(ret), nil
}

// Connect opens a connection to version of the service sid. A refused
// connection is reported as types.ErrorConnectionRefused.
func (c *Client) Connect(ctx context.Context, sid, version uint32) (types.Handle, error) {
	ret, err := c.dispatch(ctx, &types.Message{
		Type:   types.MsgConnect,
		Params: types.Params{SID: sid, Version: version},
	})
	if err != nil {
		return types.NullHandle, err
	}

	if err := types.Status(ret).Err(); err != nil {
		return types.NullHandle, err
	}

	h := types.Handle(ret)
	if !h.Valid() {
		return types.NullHandle, fmt.Errorf("%w: connect returned handle %d", ErrCommunication, ret)
	}

	return h, nil
}

// Call issues a request of type typ on the connection h. The secure service
// reads in and writes into out, setting the Len of each output vector.
// Negative statuses are returned as errors as well, other values are
// service specific results.
//
// Vector counts above 255 and types outside the int16 range are programmer
// errors and never reach the secure side.
func (c *Client) Call(ctx context.Context, h types.Handle, typ int32, in []types.InVec, out []types.OutVec) (types.Status, error) {
	if len(in) > math.MaxUint8 || len(out) > math.MaxUint8 || typ < math.MinInt16 || typ > math.MaxInt16 {
		return types.ErrorProgrammerError, types.ErrorProgrammerError
	}

	if !h.Valid() {
		return types.ErrorInvalidHandle, types.ErrorInvalidHandle
	}

	ret, err := c.dispatch(ctx, &types.Message{
		Type: types.MsgCall,
		Params: types.Params{
			Handle: h,
			Ctrl:   types.PackCtrl(typ, uint8(len(in)), uint8(len(out))),
			In:     in,
			Out:    out,
		},
	})
	if err != nil {
		return types.InterCoreCommError, err
	}

	s := types.Status(ret)

	return s, s.Err()
}

// Close releases the connection h. Closing types.NullHandle is a no-op, as
// is closing a connection the secure side does not know.
func (c *Client) Close(ctx context.Context, h types.Handle) error {
	if !h.Valid() {
		return nil
	}

	_, err := c.dispatch(ctx, &types.Message{
		Type:   types.MsgClose,
		Params: types.Params{Handle: h},
	})

	return err
}
