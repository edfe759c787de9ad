// This module implements functions which manipulate errors and provide stack
// trace information.
//
// NOTE: This package intentionally mirrors the standard "errors" module.  All
// mcache code should use this.  Errors created here implement Unwrap, so the
// standard errors.Is / errors.As (re-exported below) see through wrapping.
package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
)

// This interface exposes additional information about the error.
type StackError interface {
	// This returns the error message without the stack trace.
	GetMessage() string

	// This returns the wrapped error.  This returns nil if this does not wrap
	// another error.
	GetInner() error

	// Implements the built-in error interface.
	Error() string

	// Same as GetInner.  Lets the standard library traverse the chain.
	Unwrap() error

	// Returns stack frames.
	StackFrames() []StackFrame

	// Returns string representation of stack frames, one function per line
	// followed by an indented file:line entry.
	GetStack() string
}

// Represents a single stack frame.
type StackFrame struct {
	PC         uintptr
	FuncName   string
	File       string
	LineNumber int
}

type baseError struct {
	msg   string
	inner error

	stack       []uintptr
	framesOnce  sync.Once
	stackFrames []StackFrame
}

// This returns the error string without stack trace information.
func GetMessage(err interface{}) string {
	switch e := err.(type) {
	case StackError:
		return extractFullErrorMessage(e, false)
	case runtime.Error:
		return runtime.Error(e).Error()
	case error:
		return e.Error()
	default:
		return "Passed a non-error to GetMessage"
	}
}

// This returns a string with all available error information, including inner
// errors that are wrapped by this errors.
func (e *baseError) Error() string {
	return extractFullErrorMessage(e, true)
}

// Implements StackError interface.
func (e *baseError) GetMessage() string {
	return e.msg
}

// Implements StackError interface.
func (e *baseError) GetInner() error {
	return e.inner
}

// Implements StackError interface.
func (e *baseError) Unwrap() error {
	return e.inner
}

// Implements StackError interface.
func (e *baseError) StackFrames() []StackFrame {
	e.framesOnce.Do(func() {
		e.stackFrames = make([]StackFrame, 0, len(e.stack))
		frames := runtime.CallersFrames(e.stack)
		for {
			frame, more := frames.Next()
			e.stackFrames = append(e.stackFrames, StackFrame{
				PC:         frame.PC,
				FuncName:   frame.Function,
				File:       frame.File,
				LineNumber: frame.Line,
			})
			if !more {
				break
			}
		}
	})
	return e.stackFrames
}

// Implements StackError interface.
func (e *baseError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, frame := range e.StackFrames() {
		_, _ = buf.WriteString(frame.FuncName)
		_, _ = buf.WriteString("\n")
		fmt.Fprintf(buf, "\t%s:%d +0x%x\n",
			frame.File, frame.LineNumber, frame.PC)
	}
	return buf.String()
}

// This returns a new baseError initialized with the given message and
// the current stack trace.
func New(msg string) StackError {
	return newError(nil, msg)
}

// Same as New, but with fmt.Printf-style parameters.
func Newf(format string, args ...interface{}) StackError {
	return newError(nil, fmt.Sprintf(format, args...))
}

// Wraps another error in a new baseError.
func Wrap(err error, msg string) StackError {
	return newError(err, msg)
}

// Same as Wrap, but with fmt.Printf-style parameters.
func Wrapf(err error, format string, args ...interface{}) StackError {
	return newError(err, fmt.Sprintf(format, args...))
}

// NOTE: if there is more than one level of redirection to call this
// function, stack frame information will include that level too.
func newError(err error, msg string) *baseError {
	stack := make([]uintptr, 64)
	stackLength := runtime.Callers(3, stack)
	return &baseError{
		msg:   msg,
		stack: stack[:stackLength],
		inner: err,
	}
}

// Constructs full error message for a given StackError by traversing all of
// its inner errors. If includeStack is true it will also include stack trace
// from deepest StackError in the chain.
func extractFullErrorMessage(e StackError, includeStack bool) string {
	var ok bool
	var lastErr StackError
	errMsg := bytes.NewBuffer(make([]byte, 0, 1024))

	stackErr := e
	for {
		lastErr = stackErr
		errMsg.WriteString(stackErr.GetMessage())

		innerErr := stackErr.GetInner()
		if innerErr == nil {
			break
		}
		errMsg.WriteString("\n")
		stackErr, ok = innerErr.(StackError)
		if !ok {
			errMsg.WriteString(innerErr.Error())
			break
		}
	}
	if includeStack {
		errMsg.WriteString("\nORIGINAL STACK TRACE:\n")
		errMsg.WriteString(lastErr.GetStack())
	}
	return errMsg.String()
}

// Keep peeling away layers or context until a primitive error is revealed.
func RootError(err error) error {
	for i := 0; i < 20; i++ {
		inner := stderrors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
	return fmt.Errorf("too many iterations: %T", err)
}

// Perform a deep check, unwrapping errors as much as possible and comparing
// the string version of the root error.
func IsError(err, errConst error) bool {
	if stderrors.Is(err, errConst) {
		return true
	}
	rootErrStr := ""
	if rootErr := RootError(err); rootErr != nil {
		rootErrStr = rootErr.Error()
	}
	errConstStr := ""
	if errConst != nil {
		errConstStr = errConst.Error()
	}
	return rootErrStr == errConstStr
}

// See the standard errors package.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// See the standard errors package.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
