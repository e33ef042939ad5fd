package flags

import (
	"errors"
	"fmt"
)

// ErrNoActor is returned by Resolve for the zero Actor. It marks the
// deliberate fail-open path for optional identities, not a fault.
var ErrNoActor = errors.New("flags: no actor identity")

// ErrFetchFailed is the sentinel wrapped by every FetchError, so callers can
// branch with errors.Is without inspecting the concrete type.
var ErrFetchFailed = errors.New("flags: fetch failed")

// FetchError is returned when the remote flags endpoint answers non-2xx or
// the request itself fails. Status is zero for transport-level failures.
type FetchError struct {
	Status int
	URL    string
	Cause  error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("flags: endpoint returned %d (%s)", e.Status, e.URL)
	}
	return fmt.Sprintf("flags: request failed (%s): %v", e.URL, e.Cause)
}

func (e *FetchError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrFetchFailed, e.Cause}
	}
	return []error{ErrFetchFailed}
}
