// ABOUTME: Error types reported by the discovery engine
// ABOUTME: Native daemon codes are wrapped so callers can match with errors.Is/As
package dnssd

import (
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
)

var (
	// ErrDuplicateHandle means the daemon handed out a ref that is already
	// registered. It signals a defect, never a normal condition.
	ErrDuplicateHandle = errors.New("dnssd: duplicate operation handle")

	// ErrOverRelease means the daemon was released more often than acquired
	ErrOverRelease = errors.New("dnssd: daemon released more often than acquired")

	// ErrInvalidRecord is returned synchronously for records that cannot be
	// registered
	ErrInvalidRecord = errors.New("dnssd: invalid service record")

	// ErrInvalidServiceType is returned for malformed service types
	ErrInvalidServiceType = errors.New("dnssd: invalid service type")
)

// DaemonInitError is returned when the native daemon fails to start
type DaemonInitError struct {
	Code mdnsd.ErrorCode
}

func (e *DaemonInitError) Error() string {
	return fmt.Sprintf("dnssd: daemon init failed: %v", e.Code)
}

func (e *DaemonInitError) Unwrap() error {
	return e.Code
}

// OperationError is the terminal error of one operation
type OperationError struct {
	Op   string
	Code mdnsd.ErrorCode
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("dnssd: %s failed: %v", e.Op, e.Code)
}

func (e *OperationError) Unwrap() error {
	return e.Code
}

func operationError(op string, err error) error {
	var initErr *DaemonInitError
	if errors.As(err, &initErr) {
		return err
	}
	return &OperationError{Op: op, Code: mdnsd.Code(err)}
}
