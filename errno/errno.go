// Package errno classifies kernel errno values into the taxonomy this
// module uses to decide retry, teardown, and surfacing behaviour, and
// wraps a raw errno into a structured, human-readable error.
package errno

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Class is the error-taxonomy bucket a raw errno falls into.
type Class uint8

const (
	ClassOther Class = iota
	ClassPermissionDenied
	ClassNotFound
	ClassBusy
	ClassRetryable
	ClassResourceExhaustion
	ClassProtocolError
	ClassInvalidArgument
)

func (c Class) String() string {
	switch c {
	case ClassPermissionDenied:
		return "PermissionDenied"
	case ClassNotFound:
		return "NotFound"
	case ClassBusy:
		return "Busy"
	case ClassRetryable:
		return "Retryable"
	case ClassResourceExhaustion:
		return "ResourceExhaustion"
	case ClassProtocolError:
		return "ProtocolError"
	case ClassInvalidArgument:
		return "InvalidArgument"
	default:
		return "OsOther"
	}
}

// Classify buckets a raw errno into a Class.
func Classify(e unix.Errno) Class {
	switch e {
	case unix.EPERM, unix.EACCES, unix.EROFS:
		return ClassPermissionDenied
	case unix.ENOENT, unix.ENODEV, unix.ESRCH:
		return ClassNotFound
	case unix.EBUSY, unix.EEXIST:
		return ClassBusy
	case unix.EAGAIN, unix.EINTR:
		return ClassRetryable
	case unix.ENOMEM, unix.ENOSPC, unix.EMFILE, unix.ENOBUFS, unix.EDQUOT:
		return ClassResourceExhaustion
	case unix.EPROTO, unix.EBADMSG, unix.EPIPE:
		return ClassProtocolError
	case unix.EINVAL:
		return ClassInvalidArgument
	default:
		return ClassOther
	}
}

// FromError recovers the unix.Errno buried in err, unwrapping the
// *os.PathError / *os.SyscallError layers the os package adds. Errors
// that do not carry an errno at all map to EIO.
func FromError(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return unix.EIO
}

// IsRetryable reports whether a worker should silently resubmit rather
// than surface the error (EAGAIN, EWOULDBLOCK, EINTR).
func IsRetryable(e unix.Errno) bool {
	return e == unix.EAGAIN || e == unix.EWOULDBLOCK || e == unix.EINTR
}

// IsNetwork reports whether e is one of the network-class errnos
// occasionally surfaced by FunctionFS/USB gadget host disconnects.
func IsNetwork(e unix.Errno) bool {
	switch e {
	case unix.ENETDOWN, unix.ENETUNREACH, unix.ECONNRESET, unix.ESHUTDOWN:
		return true
	}
	return false
}

// IsNotFound reports whether e indicates a missing file, device, or process.
func IsNotFound(e unix.Errno) bool {
	return Classify(e) == ClassNotFound
}

// IsPermission reports whether e indicates a permission or read-only failure.
func IsPermission(e unix.Errno) bool {
	return Classify(e) == ClassPermissionDenied
}

// IsResourceExhaustion reports whether e indicates the kernel is out of
// some resource (memory, descriptors, buffers, quota).
func IsResourceExhaustion(e unix.Errno) bool {
	return Classify(e) == ClassResourceExhaustion
}

// IsHalted reports whether e is the errno the kernel uses to signal a
// STALLed (halted) endpoint.
func IsHalted(e unix.Errno) bool {
	return e == unix.EPIPE
}

// OsError is the structured error this module returns for every syscall
// failure: it carries enough context (syscall name, path or fd, errno,
// description) so callers get a consistent, actionable error.
type OsError struct {
	Syscall string
	Path    string // empty when Fd is meaningful instead
	Fd      int
	Errno   unix.Errno
	Class   Class
	Msg     string
}

func (e *OsError) Error() string {
	where := e.Path
	if where == "" {
		where = fmt.Sprintf("fd=%d", e.Fd)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s(%s): %s: %s", e.Syscall, where, e.Errno, e.Msg)
	}
	return fmt.Sprintf("%s(%s): %s", e.Syscall, where, e.Errno)
}

func (e *OsError) Unwrap() error {
	return e.Errno
}

// ToOsError wraps a raw errno into an *OsError carrying the call site
// description. context is a short human-readable note, e.g. "writing UDC".
func ToOsError(syscallName string, path string, fd int, e unix.Errno, context string) *OsError {
	return &OsError{
		Syscall: syscallName,
		Path:    path,
		Fd:      fd,
		Errno:   e,
		Class:   Classify(e),
		Msg:     context,
	}
}

// Non-errno error kinds.

// StateError reports illegal use of the public API against the current
// lifecycle state (e.g. writing to a gadget that was never bound).
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal operation %q in state %q", e.Op, e.State)
}

// DescriptorError reports a spec violation in a descriptor or descriptor
// table (bad length, missing endpoint for a declared speed, and so on).
type DescriptorError struct {
	Reason string
}

func (e *DescriptorError) Error() string {
	return "descriptor error: " + e.Reason
}

// ErrCancelled is returned by pending futures/streams torn down mid-flight.
var ErrCancelled = errors.New("operation cancelled")

// ErrExhausted is returned by aio.Context.Submit when accepting the batch
// would exceed the context's maximum concurrency.
var ErrExhausted = errors.New("aio: in-flight operation limit exhausted")
