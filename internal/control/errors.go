package control

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnreachable indicates the device did not accept the connection.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrDeviceTimeout indicates the request exceeded the control timeout.
	ErrDeviceTimeout = errors.New("device request timed out")
)

// ProtocolError is a device-level fault: either an HTTP-level failure or a
// UPnP fault code extracted from the response envelope.
type ProtocolError struct {
	StatusCode int
	FaultCode  int
	Action     string
}

func (e *ProtocolError) Error() string {
	if e.FaultCode != 0 {
		return fmt.Sprintf("device fault %d (action %s, status %d)", e.FaultCode, e.Action, e.StatusCode)
	}
	return fmt.Sprintf("device protocol error: status %d (action %s)", e.StatusCode, e.Action)
}

// Known transient fault codes. Requests failing with one of these are worth
// retrying after a short backoff; everything else fails fast.
const (
	faultTransitionNotAvailable = 701
	faultDeviceBusy             = 704
	faultQueueInUse             = 718
	faultQueueFull              = 800
)

var transientFaults = map[int]bool{
	faultTransitionNotAvailable: true,
	faultDeviceBusy:             true,
	faultQueueInUse:             true,
	faultQueueFull:              true,
}

// IsTransient reports whether err is a device fault that may clear on retry.
func IsTransient(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return transientFaults[pe.FaultCode]
	}
	return false
}

// FaultCode extracts the device fault code from err, or 0.
func FaultCode(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.FaultCode
	}
	return 0
}
