package psa

import (
	"errors"

	"github.com/wallera-computer/nsipc/tee/types"
)

// ErrCommunication is returned when the transport towards the secure side
// failed, as opposed to the secure service rejecting the request. It is
// reported as types.InterCoreCommError and still unwraps to the transport
// error, such as mailbox.ErrQueueFull.
var ErrCommunication = errors.New("inter-core communication failed")

// StatusOf maps an error returned by a Client onto the PSA status space.
func StatusOf(err error) types.Status {
	if err == nil {
		return types.Success
	}

	var s types.Status
	if errors.As(err, &s) {
		return s
	}

	return types.InterCoreCommError
}
