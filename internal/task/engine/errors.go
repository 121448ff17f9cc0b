package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrStopped  = errors.New("runner stopped")
)

// ConflictError is returned by Admit when an active task already exists for
// the same symbol. It names the blocking task so callers can observe that
// task instead of retrying blindly.
type ConflictError struct {
	Symbol     string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("analysis already in progress for %s (task %s)", e.Symbol, e.ExistingID)
}

// AsConflict unwraps err into a ConflictError, if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// TransitionError reports an illegal state-machine transition. A second
// terminal call on an already-terminal task surfaces as one of these, so
// double-completion bugs fail loudly instead of silently succeeding.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}
