package syncer

import (
	"errors"
	"fmt"
)

// Failure taxonomy for a sync pass. Callers pick retry vs. surface-to-user
// behavior from these; raw transport errors never leak past this package's
// boundary.
var (
	// ErrUnauthenticated means the user never completed authorization or
	// the stored credentials are gone. Surfaced, not retried.
	ErrUnauthenticated = errors.New("user not authenticated")
	// ErrUpstreamPermissionDenied covers permission and API-not-enabled
	// failures from the calendar provider.
	ErrUpstreamPermissionDenied = errors.New("calendar permission denied")
	// ErrUpstreamUnavailable covers quota, rate-limit, and 5xx failures.
	ErrUpstreamUnavailable = errors.New("calendar temporarily unavailable")
)

// StorageError wraps a storage-layer failure with the event it hit. One
// event's failure does not roll back upserts already committed for other
// events in the same batch.
type StorageError struct {
	EventID string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("event %s: %v", e.EventID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
