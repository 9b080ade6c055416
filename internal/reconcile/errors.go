package reconcile

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNoSession = errors.New("no active session")
	ErrClosed    = errors.New("store is closed")
)

// ValidationError rejects input before any remote call is made.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	if e.Rule == "required" {
		return fmt.Sprintf("%s must not be blank", e.Field)
	}
	return fmt.Sprintf("%s failed %q validation", e.Field, e.Rule)
}

// RemoteError wraps a failed backend call.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a push channel that could not be opened or dropped.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("change subscription: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
