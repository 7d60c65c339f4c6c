package hfi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-hfi/internal/cmdq"
	"github.com/ehrlich-b/go-hfi/internal/ctrl"
	"github.com/ehrlich-b/go-hfi/internal/evq"
	"github.com/ehrlich-b/go-hfi/internal/flowctl"
	"github.com/ehrlich-b/go-hfi/internal/uring"
)

// Error is a structured fabric error carrying the queue pair and
// connection it concerns.
type Error struct {
	Op        string        // Operation that failed (e.g., "send", "assign")
	QueuePair uint32        // Queue pair (0 if not applicable)
	Conn      int64         // Connection (-1 if not applicable)
	Code      ErrorCode     // High-level error category
	Errno     syscall.Errno // Kernel errno (0 if not applicable)
	Msg       string        // Human-readable message
	Inner     error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.QueuePair != 0 {
		parts = append(parts, fmt.Sprintf("qp=%d", e.QueuePair))
	}
	if e.Conn >= 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.Conn))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Inner != nil && e.Msg == "" {
		msg = fmt.Sprintf("%s: %v", msg, e.Inner)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("hfi: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "hfi: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches by category against an ErrorCode or another *Error.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// ErrorCode is a high-level error category. Each code is itself an error,
// so errors.Is(err, ErrWouldBlock) works on any structured error.
type ErrorCode string

func (c ErrorCode) Error() string { return "hfi: " + string(c) }

const (
	ErrCodeWouldBlock        ErrorCode = "would block"
	ErrCodeEmpty             ErrorCode = "queue empty"
	ErrCodeDropped           ErrorCode = "entry dropped by device"
	ErrCodeProtocol          ErrorCode = "unexpected event"
	ErrCodeCommandFailed     ErrorCode = "command failed"
	ErrCodeOwnership         ErrorCode = "queue pair not owned by caller"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodeCorruptBuffer     ErrorCode = "corrupt flow-control buffer"
	ErrCodeNotReady          ErrorCode = "receiver not ready"
	ErrCodeNotFound          ErrorCode = "not found"
	ErrCodeClosed            ErrorCode = "closed"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// Sentinels for errors.Is.
var (
	ErrWouldBlock        error = ErrCodeWouldBlock
	ErrEmpty             error = ErrCodeEmpty
	ErrDropped           error = ErrCodeDropped
	ErrProtocol          error = ErrCodeProtocol
	ErrCommandFailed     error = ErrCodeCommandFailed
	ErrOwnership         error = ErrCodeOwnership
	ErrPermissionDenied  error = ErrCodePermissionDenied
	ErrTimeout           error = ErrCodeTimeout
	ErrInvalidParameters error = ErrCodeInvalidParameters
	ErrCorruptBuffer     error = ErrCodeCorruptBuffer
	ErrNotReady          error = ErrCodeNotReady
	ErrNotFound          error = ErrCodeNotFound
	ErrClosed            error = ErrCodeClosed
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Conn: -1, Code: code, Msg: msg}
}

// NewQueuePairError creates a structured error for a queue pair operation
func NewQueuePairError(op string, qp uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QueuePair: qp, Conn: -1, Code: code, Msg: msg}
}

// NewConnError creates a structured error for a connection operation
func NewConnError(op string, qp, conn uint32, code ErrorCode, msg string) *Error {
	return &Error{Op: op, QueuePair: qp, Conn: int64(conn), Code: code, Msg: msg}
}

// WrapError classifies inner and wraps it. An inner *Error keeps its
// category and context; only the operation is replaced.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var he *Error
	if errors.As(inner, &he) {
		out := *he
		out.Op = op
		out.Inner = he
		out.Msg = ""
		return &out
	}

	e := &Error{Op: op, Conn: -1, Code: classify(inner), Inner: inner}
	var code ErrorCode
	if errors.As(inner, &code) {
		e.Code = code
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// wrapConn wraps inner with queue pair and connection context.
func wrapConn(op string, qp, conn uint32, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	e.QueuePair = qp
	e.Conn = int64(conn)
	return e
}

// wrapQP wraps inner with queue pair context.
func wrapQP(op string, qp uint32, inner error) error {
	if inner == nil {
		return nil
	}
	e := WrapError(op, inner)
	e.QueuePair = qp
	return e
}

// classify maps the internal sentinels onto error categories.
func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, cmdq.ErrWouldBlock):
		return ErrCodeWouldBlock
	case errors.Is(err, cmdq.ErrTooLarge),
		errors.Is(err, cmdq.ErrBadHeader),
		errors.Is(err, flowctl.ErrInvalidCommand),
		errors.Is(err, ctrl.ErrInvalidParams):
		return ErrCodeInvalidParameters
	case errors.Is(err, evq.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, evq.ErrDropped):
		return ErrCodeDropped
	case errors.Is(err, evq.ErrUnexpectedKind),
		errors.Is(err, evq.ErrNotHead):
		return ErrCodeProtocol
	case errors.Is(err, evq.ErrCommandFailed),
		errors.Is(err, flowctl.ErrSendFailed):
		return ErrCodeCommandFailed
	case errors.Is(err, ctrl.ErrOwnership):
		return ErrCodeOwnership
	case errors.Is(err, ctrl.ErrPermission):
		return ErrCodePermissionDenied
	case errors.Is(err, flowctl.ErrCorruptBuffer):
		return ErrCodeCorruptBuffer
	case errors.Is(err, flowctl.ErrRecvNotReady):
		return ErrCodeNotReady
	case errors.Is(err, flowctl.ErrUnknownConn):
		return ErrCodeNotFound
	case errors.Is(err, uring.ErrClosed),
		errors.Is(err, context.Canceled):
		return ErrCodeClosed
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return mapErrnoToCode(errno)
	}
	return ErrCodeIOError
}

// mapErrnoToCode maps kernel errno values to error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EAGAIN:
		return ErrCodeWouldBlock
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeNotFound
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.EINVAL:
		return ErrCodeInvalidParameters
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	case syscall.EBADF:
		return ErrCodeClosed
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno checks if an error has a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
