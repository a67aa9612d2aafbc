package aiclient

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is returned when every attempt in the retry budget
// failed with a retryable error. The wrapped message carries the last
// observed failure.
var ErrRetriesExhausted = errors.New("retries exhausted")

// TerminalError is a non-retryable upstream failure. The status and body are
// preserved for diagnosis.
type TerminalError struct {
	Status int
	Body   string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}
