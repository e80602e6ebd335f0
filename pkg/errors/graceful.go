package errors

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/migadu/mailarchive/logger"
)

// StartupError records which startup step failed.
type StartupError struct {
	Step string
	Err  error
}

func (s *StartupError) Error() string {
	return fmt.Sprintf("startup step '%s' failed: %v", s.Step, s.Err)
}

func (s *StartupError) Unwrap() error {
	return s.Err
}

// ErrorHandler funnels fatal startup and configuration failures into a single
// exit code so main can unwind its deferred cleanups before exiting.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(step string, err error) {
	startupErr := &StartupError{Step: step, Err: err}
	logger.Error("FATAL", "error", startupErr, "code", CodeOf(err).String())
	eh.signal(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(2)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
