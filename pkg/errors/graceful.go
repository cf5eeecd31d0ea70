package errors

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/migadu/nntpprox/logger"
)

// Exit codes reported by ErrorHandler.
const (
	ExitFailure = 1
	ExitConfig  = 78 // EX_CONFIG from sysexits.h
)

// StartupError is a failure of one startup stage.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ErrorHandler reports startup errors before logging is configured and
// remembers the exit code of the first one.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return newErrorHandler(os.Stderr)
}

func newErrorHandler(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(w, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) record(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(stage string, err error) {
	eh.logger.Printf("FATAL: %v", &StartupError{Stage: stage, Err: err})
	eh.record(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to load configuration file '%s': %v", configPath, err)
	}
	eh.record(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(err error) {
	eh.logger.Printf("ERROR: invalid configuration: %v", err)
	eh.record(ExitConfig)
}

// WaitForExit returns the recorded exit code. It blocks until one is recorded.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// Shutdown logs whether the stop was requested or unexpected.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
