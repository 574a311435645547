package manager

import (
	"errors"
	"fmt"

	"github.com/loykin/stackbox/internal/process"
)

var (
	// ErrVerificationTimeout: the target state was not observed within the attempt budget.
	ErrVerificationTimeout = errors.New("verification timed out")
	// ErrLaunchFailed: the action command could not be started at all.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrCanceled: the run was aborted by its context before converging.
	ErrCanceled = errors.New("action canceled")

	ErrBusy           = errors.New("another operation is in progress for this service")
	ErrUnknownService = errors.New("unknown service")
	ErrDraining       = errors.New("controller is shutting down")
	ErrNoCommand      = errors.New("service has no start command")
	ErrRunning        = errors.New("service is running")
	ErrNoPIDFile      = process.ErrNoPIDFile
)

// ActionError describes a failed lifecycle action. Its message is the
// human-readable reason surfaced to callers verbatim.
type ActionError struct {
	Service   string
	Action    Action
	Attempts  int
	Cause     error // ErrVerificationTimeout, ErrCanceled or ErrDraining
	LaunchErr error // set when the launch itself failed
}

func (e *ActionError) Error() string {
	var msg string
	switch {
	case errors.Is(e.Cause, ErrDraining):
		msg = fmt.Sprintf("%s %s refused: %v", e.Service, e.Action, ErrDraining)
	case errors.Is(e.Cause, ErrCanceled):
		msg = fmt.Sprintf("%s %s canceled after %d attempts", e.Service, e.Action, e.Attempts)
	default:
		msg = fmt.Sprintf("%s did not %s after %d attempts", e.Service, e.Action, e.Attempts)
	}
	if e.LaunchErr != nil {
		msg += fmt.Sprintf(" (launch failed: %v)", e.LaunchErr)
	}
	return msg
}

func (e *ActionError) Unwrap() []error {
	errs := []error{e.Cause}
	if e.LaunchErr != nil {
		errs = append(errs, ErrLaunchFailed, e.LaunchErr)
	}
	return errs
}
