package qflash

import (
	"errors"
	"fmt"

	"github.com/gentam/qflash/qspi"
)

var (
	// ErrGeneric reports a controller failure.
	ErrGeneric = errors.New("qflash: generic failure")
	// ErrBusy reports that the controller was busy.
	ErrBusy = errors.New("qflash: device busy")
	// ErrTimedOut reports that an operation did not complete in time.
	ErrTimedOut = errors.New("qflash: operation timed out")
	// ErrInvalidArgs reports a request rejected before any hardware access.
	ErrInvalidArgs = errors.New("qflash: invalid arguments")
	// ErrNotImplemented is returned by Ioctl.
	ErrNotImplemented = errors.New("qflash: not implemented")
)

// Status is the outcome of a hardware call as seen by the driver's callers.
type Status int

const (
	StatusOK Status = iota
	StatusGeneric
	StatusBusy
	StatusTimedOut
)

// Translate maps a controller status to a Status. Unknown controller
// statuses are generic failures.
func Translate(s qspi.Status) Status {
	switch s {
	case qspi.OK:
		return StatusOK
	case qspi.Error:
		return StatusGeneric
	case qspi.Busy:
		return StatusBusy
	case qspi.Timeout:
		return StatusTimedOut
	default:
		return StatusGeneric
	}
}

// Err returns the error for s, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusBusy:
		return ErrBusy
	case StatusTimedOut:
		return ErrTimedOut
	default:
		return ErrGeneric
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGeneric:
		return "generic failure"
	case StatusBusy:
		return "busy"
	case StatusTimedOut:
		return "timed out"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// halErr translates a controller status into an error.
func halErr(s qspi.Status) error {
	return Translate(s).Err()
}
