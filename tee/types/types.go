// Package types holds the data exchanged between the non-secure client core
// and the secure partition.
package types

import "fmt"

const (
	// FrameworkVersion is the PSA framework version implemented by the
	// secure partition.
	FrameworkVersion uint32 = 0x0101

	// VersionNone is returned when a service does not exist.
	VersionNone uint32 = 0

	// IPCCall is the default request type of Call.
	IPCCall int32 = 0

	// MaxIOVec bounds the total number of input and output vectors of a
	// single call.
	MaxIOVec = 4
)

// Handle identifies a connection to a secure service.
type Handle int32

// NullHandle is never a valid connection.
const NullHandle Handle = 0

// Valid reports whether h may be used for Call or Close.
func (h Handle) Valid() bool {
	return h > 0
}

// InVec is an input buffer passed to a secure service.
type InVec struct {
	Base []byte
}

// OutVec is an output buffer filled by a secure service. Len is set by the
// secure side to the number of bytes written into Base.
type OutVec struct {
	Base []byte
	Len  int
}

// MsgType discriminates the PSA client primitive carried by a Message.
type MsgType uint32

const (
	MsgFrameworkVersion MsgType = iota + 1
	MsgVersion
	MsgConnect
	MsgCall
	MsgClose
)

func (t MsgType) String() string {
	switch t {
	case MsgFrameworkVersion:
		return "framework_version"
	case MsgVersion:
		return "version"
	case MsgConnect:
		return "connect"
	case MsgCall:
		return "call"
	case MsgClose:
		return "close"
	default:
		return fmt.Sprintf("msg_type(%d)", uint32(t))
	}
}

// Valid reports whether t names a PSA client primitive.
func (t MsgType) Valid() bool {
	return t >= MsgFrameworkVersion && t <= MsgClose
}

// Params is the parameter block of a request. Only the fields relevant to
// the message type are meaningful.
//
// Ctrl is the control word of a call, built with PackCtrl: the secure side
// takes the request type from it and checks the vector counts against In
// and Out.
type Params struct {
	SID     uint32
	Version uint32
	Handle  Handle
	Ctrl    uint32
	In      []InVec
	Out     []OutVec
}

// RPCReply is the answer of a call carried by value across the world
// boundary: the output vectors written by the secure service travel back
// with the return value.
type RPCReply struct {
	ReturnVal int32
	Out       []OutVec
}

// Message is a request for the secure partition.
type Message struct {
	Type     MsgType
	Params   Params
	ClientID int32
}

// Reply is the secure partition answer to a Message.
type Reply struct {
	ReturnVal int32
}

// Veneer crosses into the secure partition and runs msg to completion,
// returning the raw secure-side result.
type Veneer interface {
	Call(msg *Message) int32
}

// VeneerFunc adapts a function to the Veneer interface.
type VeneerFunc func(msg *Message) int32

func (f VeneerFunc) Call(msg *Message) int32 {
	return f(msg)
}
