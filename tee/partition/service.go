package partition

import (
	"fmt"

	"github.com/wallera-computer/nsipc/tee/types"
)

// Policy decides which client versions may connect to a service.
type Policy int

const (
	// PolicyStrict accepts only clients asking for the service version.
	PolicyStrict Policy = iota
	// PolicyRelaxed accepts clients asking for the service version or an
	// older one.
	PolicyRelaxed
)

func (p Policy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyRelaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p Policy) accepts(service, requested uint32) bool {
	if p == PolicyRelaxed {
		return requested <= service
	}

	return requested == service
}

// Handler processes a call on an established connection. It reads the
// input vectors, writes into the output vectors setting their Len, and
// returns the PSA status of the call.
type Handler func(typ int32, in []types.InVec, out []types.OutVec) types.Status

// Service is a secure service reachable through its SID.
type Service struct {
	SID     uint32
	Version uint32
	Policy  Policy
	Handler Handler
}

// EchoService returns a relaxed version 1 service copying its inputs, in
// order, into the first output vector. Inputs not fitting the output
// vector fail the call with ErrorBufferTooSmall.
func EchoService(sid uint32) Service {
	return Service{
		SID:     sid,
		Version: 1,
		Policy:  PolicyRelaxed,
		Handler: echo,
	}
}

func echo(_ int32, in []types.InVec, out []types.OutVec) types.Status {
	if len(out) == 0 {
		return types.Success
	}

	var n int
	for _, v := range in {
		if n+len(v.Base) > len(out[0].Base) {
			return types.ErrorBufferTooSmall
		}

		n += copy(out[0].Base[n:], v.Base)
	}

	out[0].Len = n

	return types.Success
}
