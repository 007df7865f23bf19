package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Sentinels for the failure classes the engine distinguishes. Match them with
// Is; the wrapping helpers below keep them in the chain.
var (
	// ErrToolNotFound means no tool source claims the requested tool name.
	ErrToolNotFound = stderrors.New("tool not found")
	// ErrToolInvocation wraps a failure reported by a tool source. Non-fatal:
	// the failure is fed back to the model as a tool result.
	ErrToolInvocation = stderrors.New("tool invocation failed")
	// ErrProvider ends the current turn but never the process.
	ErrProvider = stderrors.New("provider error")
	// ErrPersistence is recovered from by starting with an empty conversation.
	ErrPersistence = stderrors.New("persistence error")
	// ErrProcessLaunch excludes the failing source; the system continues.
	ErrProcessLaunch = stderrors.New("process launch failed")
	// ErrShutdownTimeout is logged when children outlive the shutdown bound.
	ErrShutdownTimeout = stderrors.New("shutdown timed out")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Mark tags err with one of the sentinels above while keeping err itself in
// the chain, so both errors.Is(result, sentinel) and errors.Is(result, cause)
// hold. If err is nil, Mark returns nil.
func Mark(err error, sentinel error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w: %w", caller(), fmt.Sprintf(format, a...), sentinel, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return stderrors.Join(errs...) }

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
