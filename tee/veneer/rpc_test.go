package veneer

import (
	"errors"
	"io"
	"net"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wallera-computer/nsipc/tee/partition"
	"github.com/wallera-computer/nsipc/tee/types"
)

func newVeneer(t *testing.T) *RPC {
	t.Helper()

	p := partition.New()
	require.NoError(t, p.Register(partition.EchoService(0x1234)))

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("PSA", p.RPC()))

	cc, sc := net.Pipe()
	go srv.ServeConn(sc)

	client := rpc.NewClient(cc)
	t.Cleanup(func() {
		client.Close()
	})

	return NewRPC(client.Call)
}

func TestRPC_CallCopiesOutputs(t *testing.T) {
	v := newVeneer(t)

	h := v.Call(&types.Message{
		Type:   types.MsgConnect,
		Params: types.Params{SID: 0x1234, Version: 1},
	})
	require.True(t, types.Handle(h).Valid())

	out := []types.OutVec{{Base: make([]byte, 8)}, {Base: make([]byte, 2), Len: 2}}
	status := v.Call(&types.Message{
		Type: types.MsgCall,
		Params: types.Params{
			Handle: types.Handle(h),
			Ctrl:   types.PackCtrl(types.IPCCall, 1, 2),
			In:     []types.InVec{{Base: []byte{0xde, 0xad, 0xbe, 0xef}}},
			Out:    out,
		},
	})

	require.Equal(t, int32(types.Success), status)
	require.Equal(t, 4, out[0].Len)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out[0].Base[:4])
	require.Equal(t, 0, out[1].Len)
}

func TestRPC_CallFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"transport failure", errors.New("smc failed"), int32(types.InterCoreCommError)},
		{"truncated reply", io.ErrUnexpectedEOF, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var method string
			v := NewRPC(func(m string, _ interface{}, _ interface{}) error {
				method = m
				return tt.err
			}, WithMethod("Partition.Dispatch"))

			got := v.Call(&types.Message{Type: types.MsgFrameworkVersion})
			require.Equal(t, tt.want, got)
			require.Equal(t, "Partition.Dispatch", method)
		})
	}
}

// stubSecure is a secure side receiver built only on the shared wire types.
type stubSecure struct{}

func (stubSecure) Dispatch(msg types.Message, reply *types.RPCReply) error {
	reply.ReturnVal = int32(len(msg.Params.In))
	reply.Out = []types.OutVec{{Base: []byte("ok"), Len: 2}}

	return nil
}

func TestRPC_AnySecureReceiver(t *testing.T) {
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Stub", stubSecure{}))

	cc, sc := net.Pipe()
	go srv.ServeConn(sc)

	client := rpc.NewClient(cc)
	defer client.Close()

	v := NewRPC(client.Call, WithMethod("Stub.Dispatch"))

	out := []types.OutVec{{Base: make([]byte, 4)}}
	got := v.Call(&types.Message{
		Type: types.MsgCall,
		Params: types.Params{
			Handle: 1,
			Ctrl:   types.PackCtrl(types.IPCCall, 2, 1),
			In:     []types.InVec{{Base: []byte{1}}, {Base: []byte{2}}},
			Out:    out,
		},
	})

	require.Equal(t, int32(2), got)
	require.Equal(t, 2, out[0].Len)
	require.Equal(t, "ok", string(out[0].Base[:2]))
}
