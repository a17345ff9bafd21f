// Package osal is the operating system abstraction consumed by the
// non-secure IPC core: mutexes, counting semaphores and threads.
//
// The layer mirrors the RTOS wrapper it stands in for. Primitives report a
// two-valued Status instead of an error, and blocking calls take a timeout
// where WaitForever disables the deadline.
package osal

import (
	"context"
	"errors"
	"time"
)

// Status is the result of an operation on an OS primitive.
type Status int

const (
	Success Status = iota
	Error
)

func (s Status) String() string {
	if s == Success {
		return "success"
	}

	return "error"
}

// WaitForever makes Acquire block until the primitive is obtained.
const WaitForever time.Duration = -1

// ErrResourceExhausted is returned when the OS cannot create more objects.
var ErrResourceExhausted = errors.New("os resources exhausted")

// ErrInvalidArgument is returned on malformed creation parameters.
var ErrInvalidArgument = errors.New("invalid argument")

// Mutex is a non-recursive lock.
type Mutex interface {
	Acquire(timeout time.Duration) Status
	Release() Status
	Delete() Status
}

// Semaphore is a counting semaphore bounded by a maximum count.
type Semaphore interface {
	Acquire(timeout time.Duration) Status
	Release() Status
	Delete() Status
}

// OS creates primitives.
type OS interface {
	NewMutex() (Mutex, error)
	NewSemaphore(max, initial uint32, name string) (Semaphore, error)
	NewThread(name string, priority Priority, fn func(ctx context.Context)) (*Thread, error)
}
