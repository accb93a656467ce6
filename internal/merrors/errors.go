// Package merrors provides a structured error type shared by every
// memfaultd subsystem, so callers can branch on error category rather than
// matching message strings.
package merrors

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is a structured memfaultd error with enough context to log and to
// branch on without string matching.
type Error struct {
	Op        string    // operation that failed, e.g. "queue.write", "upload.commit"
	Component string    // subsystem, e.g. "queue", "coredump", "transport" (empty if not applicable)
	Code      ErrorCode // high-level error category
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("memfaultd: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("memfaultd: %s", msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is a high-level error category.
type ErrorCode string

const (
	ErrCodeConfigInvalid    ErrorCode = "invalid configuration"
	ErrCodeQueueFull        ErrorCode = "queue full"
	ErrCodeQueueCorrupt     ErrorCode = "queue file corrupt"
	ErrCodeQueueInvalidArg  ErrorCode = "invalid queue argument"
	ErrCodeRateLimited      ErrorCode = "rate limited"
	ErrCodeDiskQuota        ErrorCode = "disk quota exceeded"
	ErrCodeMalformedELF     ErrorCode = "malformed ELF input"
	ErrCodeSegmentCopy      ErrorCode = "segment memory copy failed"
	ErrCodeUploadRetryable  ErrorCode = "upload failed, retryable"
	ErrCodeUploadRejected   ErrorCode = "upload rejected"
	ErrCodeIPCMalformed     ErrorCode = "malformed IPC message"
	ErrCodeIO               ErrorCode = "I/O error"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeNotFound         ErrorCode = "not found"
	ErrCodeTimeout          ErrorCode = "timeout"
)

// New creates a structured error.
func New(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewWithErrno creates a structured error carrying a kernel errno.
func NewWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewComponent creates a structured error scoped to a subsystem.
func NewComponent(op, component string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// Wrap wraps an existing error with memfaultd context, mapping syscall
// errnos to an error code where possible.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if me, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Component: me.Component,
			Code:      me.Code,
			Errno:     me.Errno,
			Msg:       me.Msg,
			Inner:     me.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeIO,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeQueueInvalidArg
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOSPC:
		return ErrCodeDiskQuota
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIO
	}
}

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
