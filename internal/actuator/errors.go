package actuator

import (
	"fmt"
	"strings"
)

// WriteError reports a failed write to one physical output line.
type WriteError struct {
	Address string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Address, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ActuateError collects the per-line failures of one Actuate call.
// Lines not listed were written successfully.
type ActuateError struct {
	Device   string
	Lines    int
	Failures []*WriteError
}

func (e *ActuateError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("actuate %s: %d of %d lines failed: %s",
		e.Device, len(e.Failures), e.Lines, strings.Join(msgs, "; "))
}

// Unwrap exposes every WriteError to errors.Is and errors.As.
func (e *ActuateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}
