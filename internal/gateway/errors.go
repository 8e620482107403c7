package gateway

import (
	"errors"
	"fmt"
)

// TransientError marks a gateway failure that left no state behind and is
// safe to retry on the next natural trigger (retry button, reconnect sync).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
