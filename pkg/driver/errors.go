package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents a VCMD operation status code
type Status int

// VCMD status codes
const (
	StatusSuccess               Status = 0
	StatusInvalidArgument       Status = 1
	StatusNoSpace               Status = 2
	StatusInterrupted           Status = 3
	StatusInvalidBufferID       Status = 4
	StatusHardwareTimeout       Status = 5
	StatusInternalInconsistency Status = 6
	StatusDriverOperationFailed Status = 7
	StatusClosed                Status = 8
	StatusNotFound              Status = 9
	StatusOutOfHostMemory       Status = 10
)

var statusMessages = map[Status]string{
	StatusSuccess:               "success",
	StatusInvalidArgument:       "invalid argument",
	StatusNoSpace:               "no command buffer space",
	StatusInterrupted:           "interrupted",
	StatusInvalidBufferID:       "invalid command buffer id",
	StatusHardwareTimeout:       "hardware timeout",
	StatusInternalInconsistency: "internal inconsistency",
	StatusDriverOperationFailed: "driver operation failed",
	StatusClosed:                "closed",
	StatusNotFound:              "not found",
	StatusOutOfHostMemory:       "out of host memory",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// VcmdError represents an error from the VCMD driver or scheduler
type VcmdError struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *VcmdError) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *VcmdError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *VcmdError) Is(target error) bool {
	var vcmdErr *VcmdError
	if errors.As(target, &vcmdErr) {
		return e.Status == vcmdErr.Status
	}
	return false
}

// NewError creates a new VcmdError with the given status
func NewError(status Status, context string) *VcmdError {
	return &VcmdError{
		Status:  status,
		Context: context,
	}
}

// NewErrorWithCause creates a new VcmdError with an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *VcmdError {
	return &VcmdError{
		Status:  status,
		Context: context,
		Cause:   cause,
	}
}

// Sentinels usable with errors.Is; matching is by status only.
var (
	ErrNoSpace               = NewError(StatusNoSpace, "")
	ErrInterrupted           = NewError(StatusInterrupted, "")
	ErrInvalidBufferID       = NewError(StatusInvalidBufferID, "")
	ErrHardwareTimeout       = NewError(StatusHardwareTimeout, "")
	ErrInternalInconsistency = NewError(StatusInternalInconsistency, "")
	ErrInvalidArgument       = NewError(StatusInvalidArgument, "")
	ErrClosed                = NewError(StatusClosed, "")
	ErrNotFound              = NewError(StatusNotFound, "")
)

// StatusOf extracts the status carried by err, or StatusDriverOperationFailed
// for errors that are not a VcmdError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var vcmdErr *VcmdError
	if errors.As(err, &vcmdErr) {
		return vcmdErr.Status
	}
	return StatusDriverOperationFailed
}

// ErrnoToStatus converts a Linux errno to a VCMD status
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case unix.ENOMEM:
		return StatusOutOfHostMemory
	case unix.ENOSPC, unix.ENOBUFS:
		return StatusNoSpace
	case unix.ETIMEDOUT:
		return StatusHardwareTimeout
	case unix.EINTR, unix.ERESTART:
		return StatusInterrupted
	case unix.ENOENT, unix.ENODEV:
		return StatusNotFound
	case unix.EINVAL, unix.EFAULT:
		return StatusInvalidArgument
	default:
		return StatusDriverOperationFailed
	}
}

// StatusFromErrno creates a VcmdError from an errno
func StatusFromErrno(errno unix.Errno, context string) *VcmdError {
	return &VcmdError{
		Status:  ErrnoToStatus(errno),
		Context: context,
		Cause:   errno,
	}
}
