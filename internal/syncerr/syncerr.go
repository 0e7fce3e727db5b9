// Package syncerr classifies the engine's error taxonomy (§7) so C6 can
// decide retry-vs-reap-vs-halt without string-matching at every call site.
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per §7 taxonomy entry. Wrap with fmt.Errorf("...: %w", ...)
// and test membership with errors.Is, matching this codebase's error-wrapping
// convention throughout (internal/storage/dolt's retry classification,
// internal/eventbus's dispatch error logging).
var (
	ErrTransient         = errors.New("syncerr: transient transport failure")
	ErrRejectedConflict  = errors.New("syncerr: remote rejected with a version conflict")
	ErrValidation        = errors.New("syncerr: validation failure")
	ErrLocalStoreFailure = errors.New("syncerr: local store failure")
	ErrAuthRequired      = errors.New("syncerr: authentication required")
	ErrCorruptedState    = errors.New("syncerr: corrupted local state")
)

// Class is the disposition Classify assigns to an error.
type Class string

const (
	ClassRetry  Class = "retry"  // transient transport: retry with backoff up to ceiling
	ClassReject Class = "reject" // server rejected on version check: pull, merge, re-enqueue
	ClassReap   Class = "reap"   // validation/4xx: non-retryable, remove immediately
	ClassHalt   Class = "halt"   // auth required: stop sync until re-authentication
	ClassScrub  Class = "scrub"  // corrupted local state: best-effort scrub, proceed if possible
	ClassFatal  Class = "fatal"  // local store failure: surface, keep queued ops intact
)

// Transient wraps err as a retryable transient-transport failure.
func Transient(err error) error { return fmt.Errorf("%w: %v", ErrTransient, err) }

// RejectedConflict wraps err as a server-side version-check rejection.
func RejectedConflict(err error) error { return fmt.Errorf("%w: %v", ErrRejectedConflict, err) }

// Validation wraps err as a non-retryable validation/4xx failure.
func Validation(err error) error { return fmt.Errorf("%w: %v", ErrValidation, err) }

// LocalStoreFailure wraps err as a local store failure.
func LocalStoreFailure(err error) error { return fmt.Errorf("%w: %v", ErrLocalStoreFailure, err) }

// AuthRequired wraps err as requiring re-authentication before sync resumes.
func AuthRequired(err error) error { return fmt.Errorf("%w: %v", ErrAuthRequired, err) }

// CorruptedState wraps err as corrupted local state needing a scrub.
func CorruptedState(err error) error { return fmt.Errorf("%w: %v", ErrCorruptedState, err) }

// Classify maps err to the disposition C6 should apply. An unrecognized
// error defaults to ClassFatal, the safest disposition: surface it and keep
// whatever queued operations are in flight rather than silently dropping
// them.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return ClassRetry
	case errors.Is(err, ErrRejectedConflict):
		return ClassReject
	case errors.Is(err, ErrValidation):
		return ClassReap
	case errors.Is(err, ErrAuthRequired):
		return ClassHalt
	case errors.Is(err, ErrCorruptedState):
		return ClassScrub
	default:
		return ClassFatal
	}
}
