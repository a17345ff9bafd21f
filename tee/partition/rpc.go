package partition

import (
	"github.com/wallera-computer/nsipc/tee/types"
)

// RPC is the net/rpc receiver exposing a partition to supervisor calls.
type RPC struct {
	p *Partition
}

// RPC returns the receiver to register on the supervisor RPC server.
func (p *Partition) RPC() *RPC {
	return &RPC{p: p}
}

func (r *RPC) Dispatch(msg types.Message, reply *types.RPCReply) error {
	reply.ReturnVal = r.p.Call(&msg)
	reply.Out = msg.Params.Out

	return nil
}
