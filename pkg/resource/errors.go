package resource

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned when an operation names an id the table does not hold.
var ErrRecordNotFound = errors.New("record not found")

// StateViolationError reports an illegal status transition or table operation.
// It always indicates a bug in the caller.
type StateViolationError struct {
	Table  Identity
	ID     string
	From   Status
	To     Status
	Reason string
}

// Error implements the error interface.
func (e *StateViolationError) Error() string {
	msg := fmt.Sprintf("illegal transition %s -> %s for %s in %s table", e.From, e.To, e.ID, e.Table)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsStateViolation reports whether err is or wraps a StateViolationError.
func IsStateViolation(err error) bool {
	var sv *StateViolationError
	return errors.As(err, &sv)
}
