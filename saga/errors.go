package saga

import (
	"errors"
	"fmt"
)

// ErrSagaStepFailed is wrapped by StepError.
var ErrSagaStepFailed = errors.New("saga: step failed")

// StepError reports a step whose external call failed. The step has been
// compensated and the saga will not resume on its own.
type StepError struct {
	Step          Step
	ApplicationID string
	CorrelationID string
	Cause         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (application %s): %v", ErrSagaStepFailed.Error(), e.Step, e.ApplicationID, e.Cause)
}

func (e *StepError) Unwrap() []error { return []error{ErrSagaStepFailed, e.Cause} }
