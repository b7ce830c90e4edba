package fetch

import (
	"errors"
	"fmt"
)

// ErrAttemptsExhausted marks a terminal fetch failure after the bounded
// retry sequence. Callers must treat it as fatal for that artifact.
var ErrAttemptsExhausted = errors.New("download attempts exhausted")

// TransportError is a retryable network-level failure: connection error,
// non-success HTTP status, or a truncated stream.
type TransportError struct {
	URL    string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IntegrityError is a checksum mismatch. It retries identically to a
// transport error, up to the same attempt bound.
type IntegrityError struct {
	Path string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (expected %s, got %s)", e.Path, e.Want, e.Got)
}
