//go:build tamago && arm

package veneer

import (
	"github.com/f-secure-foundry/GoTEE/syscall"
)

// NewSupervisor returns a veneer entering the secure world through GoTEE
// supervisor calls.
func NewSupervisor(opts ...Option) *RPC {
	return NewRPC(syscall.Call, opts...)
}
