package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// CapturedError is the fault that triggered a snapshot. It is only used as
// naming input and never mutated.
type CapturedError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StackTracer is implemented by errors that carry a rendered stack trace.
type StackTracer interface {
	StackTrace() string
}

// NewCapturedError converts a Go error into a CapturedError. The stack is taken
// from the first error in the chain that implements StackTracer.
func NewCapturedError(err error) CapturedError {
	if err == nil {
		return CapturedError{}
	}
	captured := CapturedError{Message: err.Error()}
	var tracer StackTracer
	if errors.As(err, &tracer) {
		captured.Stack = strings.TrimSpace(tracer.StackTrace())
	}
	return captured
}

// HandlerError is a crawl handler failure with an explicit stack trace.
type HandlerError struct {
	Err   error
	Stack string
}

// Error implements error.
func (e *HandlerError) Error() string {
	if e.Err == nil {
		return "handler error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e *HandlerError) Unwrap() error { return e.Err }

// StackTrace implements StackTracer.
func (e *HandlerError) StackTrace() string { return e.Stack }

// NewHandlerError wraps err with the stack of its caller. Frames are rendered
// without addresses so the same call path always renders the same stack.
func NewHandlerError(err error) *HandlerError {
	return &HandlerError{Err: err, Stack: callerStack(3)}
}

func callerStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// StatusError reports a document that answered with an error status. Fetchers
// return it alongside whatever body they received.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
