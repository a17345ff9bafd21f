// Package veneer crosses into the secure partition through supervisor RPC
// calls.
package veneer

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/wallera-computer/nsipc/log"
	"github.com/wallera-computer/nsipc/tee/types"
)

// DefaultMethod is the name the secure side registers the partition
// receiver under.
const DefaultMethod = "PSA.Dispatch"

// CallFunc issues an RPC towards the secure side, as net/rpc clients and
// GoTEE supervisor calls do.
type CallFunc func(serviceMethod string, args interface{}, reply interface{}) error

func callRPC(call CallFunc, method string, arg, dest interface{}) error {
	if err := call(method, arg, dest); err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
	}

	return nil
}

// RPC is a veneer marshaling every message into a single RPC.
type RPC struct {
	call   CallFunc
	method string
	l      *zap.Logger
}

// Compile-time check which fails if RPC doesn't comply with the Veneer
// interface.
var _ types.Veneer = (*RPC)(nil)

// Option configures an RPC veneer.
type Option func(*RPC)

func WithLogger(l *zap.Logger) Option {
	return func(v *RPC) {
		v.l = log.Or(l)
	}
}

func WithMethod(name string) Option {
	return func(v *RPC) {
		v.method = name
	}
}

func NewRPC(call CallFunc, opts ...Option) *RPC {
	v := &RPC{
		call:   call,
		method: DefaultMethod,
		l:      log.Nop(),
	}

	for _, o := range opts {
		o(v)
	}

	return v
}

// Call sends msg and copies the returned output vectors into the caller
// buffers. A failed RPC is reported as InterCoreCommError.
func (v *RPC) Call(msg *types.Message) int32 {
	var reply types.RPCReply

	if err := callRPC(v.call, v.method, *msg, &reply); err != nil {
		v.l.Warn("secure call failed", zap.String("method", v.method), zap.Error(err))
		return int32(types.InterCoreCommError)
	}

	for i := range msg.Params.Out {
		out := &msg.Params.Out[i]
		out.Len = 0

		if i >= len(reply.Out) {
			continue
		}

		src := reply.Out[i].Base
		if n := reply.Out[i].Len; n >= 0 && n < len(src) {
			src = src[:n]
		}

		out.Len = copy(out.Base, src)
	}

	return reply.ReturnVal
}
