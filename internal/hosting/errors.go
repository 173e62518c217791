// internal/hosting/errors.go
package hosting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDetectionDegraded marks a probe that failed and fell back to a conservative mode.
	ErrDetectionDegraded = errors.New("hosting: topology detection degraded")
	// ErrValidationFailed marks rendered configuration rejected by its syntax checker.
	ErrValidationFailed = errors.New("hosting: configuration validation failed")
	// ErrRemoteCommandFailed marks a shell command or API call that returned an error.
	ErrRemoteCommandFailed = errors.New("hosting: remote command failed")
	// ErrResourceConflict marks a target object existing in an unexpected state.
	ErrResourceConflict = errors.New("hosting: resource conflict")
	// ErrInvalidRequest marks input violating a declared precondition.
	ErrInvalidRequest = errors.New("hosting: invalid request")
	// ErrUnsupported marks an operation the active topology or provider cannot perform.
	ErrUnsupported = errors.New("hosting: unsupported operation")
	// ErrNotFound is returned by collaborators for unknown records.
	ErrNotFound = errors.New("hosting: record not found")
)

// StepError records which provisioning step failed and the output it produced.
type StepError struct {
	Step   string
	Output string
	Err    error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Step, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Step wraps err as a StepError; nil stays nil.
func Step(step string, output string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Output: output, Err: err}
}

// AsStepError extracts the outermost StepError in err's chain.
func AsStepError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
