package connections

import (
	"context"
	"fmt"
)

// Reasons carried by CancellationError.
const (
	ReasonStopping = "connection is stopping and cannot be used"
	ReasonStopped  = "connection has stopped and cannot be used"
	ReasonCanceled = "shared context was canceled"
)

// CancellationError reports that a context could not be created or used
// because its cancellation signal had fired. It unwraps to the signal's cause,
// so errors.Is(err, context.Canceled) holds for plain cancellations.
type CancellationError struct {
	Address string
	Reason  string
	cause   error
}

// NewCancellationError builds a CancellationError whose cause is ctx's cause.
func NewCancellationError(address, reason string, ctx context.Context) *CancellationError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &CancellationError{Address: address, Reason: reason, cause: cause}
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Address)
}

func (e *CancellationError) Unwrap() error {
	return e.cause
}
