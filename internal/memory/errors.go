package memory

import (
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable marks a store unreachable after retry exhaustion.
// Match with errors.Is.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by relational lookups that match no row.
var ErrNotFound = errors.New("not found")

// ValidationError is a malformed payload or argument. Never retried,
// surfaced immediately, no I/O is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreUnavailableError carries which store was unreachable.
// errors.Is(err, ErrStoreUnavailable) matches it.
type StoreUnavailableError struct {
	Store string // "relational" or "vector"
	Err   error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// AuditFailure is escalated on the coordinator's failure channel when an
// audit append could not be persisted after retries. Audit completeness is a
// correctness requirement; these are never silently dropped.
type AuditFailure struct {
	Event *AuditEvent
	Err   error
	At    time.Time
}
