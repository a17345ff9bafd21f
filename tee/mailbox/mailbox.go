// Package mailbox implements the non-secure side of the multi-core PSA
// transport.
//
// Requests are written into the slots of a Queue shared with the secure
// core, which is then notified through the HAL doorbell. The secure core
// posts each reply into the slot of its request and raises an interrupt on
// the non-secure core, waking the caller. Replies are correlated by slot,
// not by order: a later request may complete first.
package mailbox

import "errors"

const (
	// MaxSlots is the largest queue supported, slot state is tracked in
	// 32-bit masks.
	MaxSlots = 32

	// DefaultSlots is the queue size used when none is configured.
	DefaultSlots = 4

	// DefaultClientID identifies callers not running in an OS thread.
	// Non-secure client identifiers are negative.
	DefaultClientID int32 = -1
)

var (
	// ErrInit is returned when the queue or the transport cannot be set up.
	ErrInit = errors.New("mailbox initialization failed")

	// ErrQueueFull is returned by Tx when every slot is in use. The caller
	// may retry once a slot is released.
	ErrQueueFull = errors.New("mailbox queue full")

	// ErrClosed is returned to callers waiting on a client being closed.
	ErrClosed = errors.New("mailbox client closed")

	ErrInvalidParams = errors.New("invalid mailbox parameters")
	ErrNotReplied    = errors.New("mailbox message not replied")
	ErrNotify        = errors.New("cannot notify secure core")
)

// MsgHandle identifies an in-flight message. Valid handles are positive.
type MsgHandle int32

// InvalidMsgHandle is returned alongside Tx failures.
const InvalidMsgHandle MsgHandle = -1

func handleOf(i int) MsgHandle {
	return MsgHandle(i + 1)
}

func (h MsgHandle) index() int {
	return int(h) - 1
}
