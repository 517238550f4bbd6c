package hwdec

import (
	"errors"
	"fmt"
)

// Error taxonomy
var (
	ErrAllocation    = errors.New("hardware allocation failed")
	ErrHardwareCall  = errors.New("hardware call failed")
	ErrTimeout       = errors.New("timed out")
	ErrDeviceLost    = errors.New("device lost")
	ErrSessionClosed = errors.New("decoder closed")
	ErrNoPicture     = errors.New("no picture available")
	ErrStaleHandle   = errors.New("stale render picture handle")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnsupported   = errors.New("not supported by device")
)

// HardwareError reports a failed device call.
type HardwareError struct {
	Op     string // Device method that failed
	Status int    // Backend status code, 0 if unknown
	Err    error
}

func (e *HardwareError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// hwError wraps err as a HardwareError that matches ErrHardwareCall.
func hwError(op string, err error) error {
	if err == nil {
		return nil
	}
	var he *HardwareError
	if errors.As(err, &he) {
		return fmt.Errorf("%w: %w", ErrHardwareCall, err)
	}
	return fmt.Errorf("%w: %w", ErrHardwareCall, &HardwareError{Op: op, Err: err})
}

// allocError wraps err as an allocation failure.
func allocError(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAllocation, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrAllocation, what, err)
}
