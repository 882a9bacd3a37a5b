// ABOUTME: Error codes reported by the mDNS daemon
// ABOUTME: Uses the DNS-SD API numbering so callers can match on known codes
package mdnsd

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is a DNS-SD style status code. NoError means success.
type ErrorCode int32

const (
	NoError              ErrorCode = 0
	ErrUnknown           ErrorCode = -65537
	ErrNoSuchName        ErrorCode = -65538
	ErrBadParam          ErrorCode = -65540
	ErrBadReference      ErrorCode = -65541
	ErrNameConflict      ErrorCode = -65548
	ErrBadInterfaceIndex ErrorCode = -65552
	ErrNoSuchRecord      ErrorCode = -65554
	ErrServiceNotRunning ErrorCode = -65563
	ErrTimeout           ErrorCode = -65568
)

var codeNames = map[ErrorCode]string{
	NoError:              "no error",
	ErrUnknown:           "unknown error",
	ErrNoSuchName:        "no such name",
	ErrBadParam:          "bad parameter",
	ErrBadReference:      "bad reference",
	ErrNameConflict:      "name conflict",
	ErrBadInterfaceIndex: "bad interface index",
	ErrNoSuchRecord:      "no such record",
	ErrServiceNotRunning: "service not running",
	ErrTimeout:           "timeout",
}

// Error implements the error interface
func (c ErrorCode) Error() string {
	name, ok := codeNames[c]
	if !ok {
		name = "error"
	}
	return fmt.Sprintf("mdnsd: %s (%d)", name, int32(c))
}

// Code extracts the ErrorCode carried by err. A nil error is NoError,
// context expiry maps to ErrTimeout and anything else to ErrUnknown.
func Code(err error) ErrorCode {
	if err == nil {
		return NoError
	}

	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	return ErrUnknown
}
