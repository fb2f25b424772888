/*
errors.go - Centralized error taxonomy for the entry engine

PURPOSE:
  All error categories in one place. Domain packages wrap these with
  additional context but always unwrap to one of the sentinels below, so
  callers can classify failures with errors.Is.

ERROR CATEGORIES:
  1. InvalidTransition - status change not in the entity's transition table
  2. Rule violations   - business-rule failures, raised before any write
  3. Authorization     - wrong owner/requester/non-manager
  4. Not found         - child entity missing under the expected parent
  5. Reference         - public reference collision / retry exhaustion
  6. Stale state       - optimistic concurrency conflict; re-read and retry

PROPAGATION POLICY:
  Only reference collisions are recovered internally (bounded retry).
  Everything else aborts the enclosing atomic unit and surfaces unchanged.

SEE ALSO:
  - transition.go: Produces InvalidTransitionError
  - refnum.go: Produces ErrReferenceCollision / ErrReferenceExhausted
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when a status change is not present
	// in the entity's transition table. Never silently corrected.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRuleViolation is the root of all business-rule failures.
	ErrRuleViolation = errors.New("rule violation")

	// ErrNotAuthorized is returned on actor mismatch for a restricted
	// operation (wrong payment owner, wrong refund requester, non-manager).
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound is returned when a referenced entity does not exist
	// under the expected parent.
	ErrNotFound = errors.New("not found")

	// ErrReferenceCollision is returned by stores when an insert failed on
	// the ref_number unique constraint specifically. Retried internally.
	ErrReferenceCollision = errors.New("reference number collision")

	// ErrReferenceExhausted is returned after the bounded collision retry
	// gives up. Surfaced to the caller.
	ErrReferenceExhausted = errors.New("reference generation exhausted")

	// ErrStaleState is returned when an optimistic version check fails.
	// The caller must re-read before retrying; lost updates are impossible.
	ErrStaleState = errors.New("stale state: record modified concurrently")

	// ErrHistoryImmutable rejects any attempt to delete audit rows
	// (status history, edit history, transaction items). This is an
	// audit-integrity rule, not a permission check.
	ErrHistoryImmutable = errors.New("audit records cannot be deleted")

	// ErrPriceNotFound is returned by the pricing resolver when no active
	// price covers the requested date. Propagated, never defaulted.
	ErrPriceNotFound = errors.New("no active price for date")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError names both states and the allowed set.
type InvalidTransitionError struct {
	Entity  string
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s (allowed: %v)",
		e.Entity, e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// RuleError is a business-rule violation naming the specific rule broken.
type RuleError struct {
	Rule string
}

func (e *RuleError) Error() string { return e.Rule }

func (e *RuleError) Unwrap() error { return ErrRuleViolation }

// Rulef builds a RuleError with a formatted message.
func Rulef(format string, args ...any) error {
	return &RuleError{Rule: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports which actor attempted what.
type AuthorizationError struct {
	ActorID ID
	Reason  string
}

func (e *AuthorizationError) Error() string { return e.Reason }

func (e *AuthorizationError) Unwrap() error { return ErrNotAuthorized }

// NotFoundError names the missing entity and its expected parent.
type NotFoundError struct {
	Entity   string
	ID       ID
	ParentID ID
}

func (e *NotFoundError) Error() string {
	if e.ParentID.IsZero() {
		return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %s not found under %s", e.Entity, e.ID, e.ParentID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the failure is due to invalid caller input
// rather than an engine or store fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrRuleViolation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrHistoryImmutable) ||
		errors.Is(err, ErrPriceNotFound)
}

// IsRetryable reports whether the operation might succeed if re-read and
// reissued.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState) || errors.Is(err, ErrReferenceCollision)
}

// IsNotFound reports whether the failure indicates a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAuthorization reports whether the failure is an actor mismatch.
func IsAuthorization(err error) bool { return errors.Is(err, ErrNotAuthorized) }
