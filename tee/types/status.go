package types

import (
	"fmt"
	"math"
)

// Status is a PSA status code. Non-negative values are successful results,
// negative values are errors.
type Status int32

const (
	Success Status = 0

	ErrorProgrammerError      Status = -129
	ErrorConnectionRefused    Status = -130
	ErrorConnectionBusy       Status = -131
	ErrorGenericError         Status = -132
	ErrorNotPermitted         Status = -133
	ErrorNotSupported         Status = -134
	ErrorInvalidArgument      Status = -135
	ErrorInvalidHandle        Status = -136
	ErrorBadState             Status = -137
	ErrorBufferTooSmall       Status = -138
	ErrorAlreadyExists        Status = -139
	ErrorDoesNotExist         Status = -140
	ErrorInsufficientMemory   Status = -141
	ErrorCommunicationFailure Status = -145

	// InterCoreCommError is reported when the transport between the
	// non-secure and the secure side failed, as opposed to the secure
	// service rejecting the request.
	InterCoreCommError Status = math.MinInt32 + 0xff
)

var statusNames = map[Status]string{
	Success:                   "PSA_SUCCESS",
	ErrorProgrammerError:      "PSA_ERROR_PROGRAMMER_ERROR",
	ErrorConnectionRefused:    "PSA_ERROR_CONNECTION_REFUSED",
	ErrorConnectionBusy:       "PSA_ERROR_CONNECTION_BUSY",
	ErrorGenericError:         "PSA_ERROR_GENERIC_ERROR",
	ErrorNotPermitted:         "PSA_ERROR_NOT_PERMITTED",
	ErrorNotSupported:         "PSA_ERROR_NOT_SUPPORTED",
	ErrorInvalidArgument:      "PSA_ERROR_INVALID_ARGUMENT",
	ErrorInvalidHandle:        "PSA_ERROR_INVALID_HANDLE",
	ErrorBadState:             "PSA_ERROR_BAD_STATE",
	ErrorBufferTooSmall:       "PSA_ERROR_BUFFER_TOO_SMALL",
	ErrorAlreadyExists:        "PSA_ERROR_ALREADY_EXISTS",
	ErrorDoesNotExist:         "PSA_ERROR_DOES_NOT_EXIST",
	ErrorInsufficientMemory:   "PSA_ERROR_INSUFFICIENT_MEMORY",
	ErrorCommunicationFailure: "PSA_ERROR_COMMUNICATION_FAILURE",
	InterCoreCommError:        "PSA_INTER_CORE_COMM_ERR",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}

	return fmt.Sprintf("PSA_STATUS(%d)", int32(s))
}

// Error makes a failed Status usable as an error value.
func (s Status) Error() string {
	return s.String()
}

// Err returns s as an error, or nil if s is not an error status.
func (s Status) Err() error {
	if s >= 0 {
		return nil
	}

	return s
}
