package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by Stop when the launch never produced a
	// native job id to stop.
	ErrNotStarted = errors.New("execution not started")
	// ErrAlreadyTerminal is returned by Stop for a finished execution.
	ErrAlreadyTerminal = errors.New("execution already finished")
)

// Failure is the error returned by every Engine operation that fails for a
// specific execution. Err is the underlying cause.
type Failure struct {
	Op          string
	ExecutionID string
	Err         error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s execution %s: %v", f.Op, f.ExecutionID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(op, id string, err error) error {
	var existing *Failure
	if errors.As(err, &existing) {
		return err
	}
	return &Failure{Op: op, ExecutionID: id, Err: err}
}
