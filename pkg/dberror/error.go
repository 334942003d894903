package dberror

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCategory classifies errors by how a caller is expected to react to them.
type ErrorCategory int

const (
	// ErrCategoryUser represents errors caused by an invalid request: a bad
	// record identifier, a size mismatch, a call on a finished transaction.
	// The engine state is unchanged and the caller can continue.
	ErrCategoryUser ErrorCategory = iota

	// ErrCategoryTransient represents errors that might succeed on retry,
	// such as a lock timeout or an exhausted buffer pool.
	ErrCategoryTransient

	// ErrCategorySystem represents errors requiring operator intervention.
	// An I/O failure belongs here and leaves the engine unusable until it is
	// reopened and recovered.
	ErrCategorySystem

	// ErrCategoryData represents on-disk corruption detected while reading
	// the log or a page.
	ErrCategoryData

	// ErrCategoryConcurrency represents conflicts between transactions.
	ErrCategoryConcurrency
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryUser:
		return "user"
	case ErrCategoryTransient:
		return "transient"
	case ErrCategorySystem:
		return "system"
	case ErrCategoryData:
		return "data"
	case ErrCategoryConcurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Error codes. Two DBErrors with the same code match under errors.Is.
const (
	CodeInvalidTransactionState = "INVALID_TRANSACTION_STATE"
	CodeInvalidRecord           = "INVALID_RECORD"
	CodeSizeMismatch            = "SIZE_MISMATCH"
	CodeRecordTooLarge          = "RECORD_TOO_LARGE"
	CodeUnknownOperation        = "UNKNOWN_OPERATION"
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeIOFailure               = "IO_FAILURE"
	CodeLogCorruption           = "LOG_CORRUPTION"
	CodeBufferPoolExhausted     = "BUFFER_POOL_EXHAUSTED"
	CodeDeadlock                = "DEADLOCK_DETECTED"
	CodeLockTimeout             = "LOCK_TIMEOUT"
	CodeEngineClosed            = "ENGINE_CLOSED"
	CodeInvalidConfig           = "INVALID_CONFIG"
)

// Sentinels for errors.Is. They carry no stack and must not be returned
// directly; use the constructors below.
var (
	ErrInvalidTransactionState = &DBError{Code: CodeInvalidTransactionState, Category: ErrCategoryUser}
	ErrInvalidRecord           = &DBError{Code: CodeInvalidRecord, Category: ErrCategoryUser}
	ErrSizeMismatch            = &DBError{Code: CodeSizeMismatch, Category: ErrCategoryUser}
	ErrRecordTooLarge          = &DBError{Code: CodeRecordTooLarge, Category: ErrCategoryUser}
	ErrUnknownOperation        = &DBError{Code: CodeUnknownOperation, Category: ErrCategoryUser}
	ErrInvalidArgument         = &DBError{Code: CodeInvalidArgument, Category: ErrCategoryUser}
	ErrIOFailure               = &DBError{Code: CodeIOFailure, Category: ErrCategorySystem}
	ErrLogCorruption           = &DBError{Code: CodeLogCorruption, Category: ErrCategoryData}
	ErrBufferPoolExhausted     = &DBError{Code: CodeBufferPoolExhausted, Category: ErrCategoryTransient}
	ErrDeadlock                = &DBError{Code: CodeDeadlock, Category: ErrCategoryConcurrency}
	ErrLockTimeout             = &DBError{Code: CodeLockTimeout, Category: ErrCategoryTransient}
	ErrEngineClosed            = &DBError{Code: CodeEngineClosed, Category: ErrCategoryUser}
	ErrInvalidConfig           = &DBError{Code: CodeInvalidConfig, Category: ErrCategorySystem}
)

// DBError represents a structured engine error with context information.
type DBError struct {
	// Code is a unique identifier for this error type (e.g., "SIZE_MISMATCH").
	Code string

	// Category classifies the error for appropriate handling strategy.
	Category ErrorCategory

	// Message is a human-readable description of what went wrong.
	Message string

	// Detail provides additional context about the specific error instance.
	Detail string

	// Hint suggests how the caller might fix or work around this error.
	Hint string

	// Operation identifies the engine operation being performed
	// (e.g., "Alloc", "ForceTo", "Redo").
	Operation string

	// Component identifies where the error originated
	// (e.g., "WAL", "BufferPool", "Allocator").
	Component string

	// Cause is the underlying error, if any.
	Cause error

	// Stack contains the call stack where this error was created.
	Stack []uintptr
}

// New creates a new DBError with the specified code, category, and message.
func New(category ErrorCategory, code, message string) *DBError {
	return &DBError{
		Code:     code,
		Category: category,
		Message:  message,
		Stack:    captureStack(),
	}
}

// Wrap wraps an existing error with engine context. If err already carries
// a DBError the existing one is enriched with operation and component (only
// if not already set) and returned.
func Wrap(err error, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}

	var dbErr *DBError
	if errors.As(err, &dbErr) {
		if dbErr.Operation == "" {
			dbErr.Operation = operation
		}
		if dbErr.Component == "" {
			dbErr.Component = component
		}
		return dbErr
	}

	category := ErrCategorySystem
	if code == CodeLogCorruption {
		category = ErrCategoryData
	}

	return &DBError{
		Code:      code,
		Category:  category,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		Cause:     err,
		Stack:     captureStack(),
	}
}

// WithDetail sets Detail and returns e for chaining.
func (e *DBError) WithDetail(format string, args ...any) *DBError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithHint sets Hint and returns e for chaining.
func (e *DBError) WithHint(hint string) *DBError {
	e.Hint = hint
	return e
}

// captureStack skips captureStack, New/Wrap and the immediate caller.
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}

// Error implements the error interface.
//
// The format follows the pattern:
// [ERROR_CODE] Message: Detail (operation: Operation, component: Component) caused by: underlying error
func (e *DBError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Detail != "" {
		b.WriteString(fmt.Sprintf(": %s", e.Detail))
	}

	if e.Operation != "" {
		b.WriteString(fmt.Sprintf(" (operation: %s", e.Operation))
		if e.Component != "" {
			b.WriteString(fmt.Sprintf(", component: %s", e.Component))
		}
		b.WriteString(")")
	}

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(" caused by: %v", e.Cause))
	}

	return b.String()
}

// Unwrap returns the underlying cause error.
func (e *DBError) Unwrap() error {
	return e.Cause
}

// Is matches any DBError with the same code.
func (e *DBError) Is(target error) bool {
	t, ok := target.(*DBError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// FormatStack returns a human-readable stack trace.
func (e *DBError) FormatStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(e.Stack)

	b.WriteString("Stack trace:\n")
	for {
		f, more := frames.Next()
		b.WriteString(fmt.Sprintf("  %s\n    %s:%d\n",
			f.Function, f.File, f.Line))
		if !more {
			break
		}
	}

	return b.String()
}

// CodeOf returns the code of the first DBError in err's chain, or "".
func CodeOf(err error) string {
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		return dbErr.Code
	}
	return ""
}

// IsFatal reports whether err leaves the engine unusable until restart.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIOFailure) || errors.Is(err, ErrLogCorruption)
}
