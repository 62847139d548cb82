// Package errors carries process exit codes through the controller.
//
// Every fatal path in the controller produces an *ExitError. The ErrorHandler
// prints it on stderr and returns the code; main exits with it only after the
// controller's cleanup hook has run.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/inboxguard/inboxguard/logger"
)

// Process exit codes. Each failure class has its own code.
const (
	ExitOK                = 0
	ExitInvalidOption     = 100
	ExitMissingParameter  = 101
	ExitPermissionDenied  = 102
	ExitServiceStart      = 103
	ExitPipelineFailed    = 104
	ExitLoggingInitFailed = 105
	ExitInterrupted       = 130
)

// Describe returns a short name for an exit code.
func Describe(code int) string {
	switch code {
	case ExitOK:
		return "success"
	case ExitInvalidOption:
		return "invalid option"
	case ExitMissingParameter:
		return "missing required parameter"
	case ExitPermissionDenied:
		return "permission denied"
	case ExitServiceStart:
		return "service failed to start"
	case ExitPipelineFailed:
		return "pipeline body failed"
	case ExitLoggingInitFailed:
		return "logging initialization failed"
	case ExitInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("exit status %d", code)
	}
}

// ExitError is a fatal controller error bound to a process exit code.
type ExitError struct {
	Code int
	Op   string
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, Describe(e.Code))
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, op string, err error) *ExitError {
	return &ExitError{
		Code: code,
		Op:   op,
		Err:  err,
	}
}

// CodeOf extracts the exit code from err. nil is success and an error that
// carries no code is treated as a pipeline failure.
func CodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return ExitPipelineFailed
}

type ErrorHandler struct {
	logger *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerWithOutput(os.Stderr)
}

// NewErrorHandlerWithOutput is NewErrorHandler with the fatal message stream
// redirected, for tests.
func NewErrorHandlerWithOutput(w io.Writer) *ErrorHandler {
	return &ErrorHandler{logger: log.New(w, "inboxguard: ", 0)}
}

// Fatal prints err in the operator-facing form, mirrors it to the diagnostic
// log and returns its exit code.
func (eh *ErrorHandler) Fatal(err error) int {
	code := CodeOf(err)
	eh.logger.Printf("%v (exit code %d)", err, code)
	logger.Errorf("[CONTROLLER] fatal: %v (exit code %d)", err, code)
	return code
}
