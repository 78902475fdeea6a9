/*
errors.go - Error taxonomy for the points engine

PURPOSE:
  Every failure a caller can act on has its own kind, so the HTTP layer
  can render role-appropriate messages without string matching.

ERROR CATEGORIES:
  1. Client errors - NotFound, InsufficientBalance, OutOfStock,
     InvalidStateTransition, Validation, Forbidden, AlreadyExists
  2. Fatal errors  - Consistency (a compensating action or the rejection
     bundle partially failed; the enclosing transaction is rolled back)

USAGE:
  Sentinels work with errors.Is, structured types with errors.As:

    if errors.Is(err, points.ErrInsufficientBalance) { ... }

    var oos *points.OutOfStockError
    if errors.As(err, &oos) {
        fmt.Println(oos.Available)
    }

SEE ALSO:
  - api/errors.go: Maps kinds to HTTP status codes
*/
package points

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrOutOfStock             = errors.New("out of stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation failed")
	ErrForbidden              = errors.New("forbidden")
	ErrAlreadyExists          = errors.New("already exists")

	// ErrConsistency is fatal: the ledger and inventory would have diverged.
	ErrConsistency = errors.New("consistency violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource. Kind is one of
// "user", "student", "tutor", "item", "request".
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type InsufficientBalanceError struct {
	StudentID UserID
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: student %s has %d points, requested %d",
		e.StudentID, e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how many points the student is missing.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Balance }

type OutOfStockError struct {
	ItemID    ItemID
	Available int64
	Requested int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("item %s out of stock: available %d, requested %d",
		e.ItemID, e.Available, e.Requested)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

type InvalidStateTransitionError struct {
	RequestID RequestID
	From      RequestStatus
	To        RequestStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("request %s cannot move from %s to %s", e.RequestID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ForbiddenError struct {
	Role   Role
	Action string
}

func (e *ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires an authenticated principal", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// ConsistencyError reports that a multi-step unit could not be completed or
// undone. Op is the operation ("create_request", "reject"), Step the action
// that failed ("release", "refund", "transition").
type ConsistencyError struct {
	Op   string
	Step string
	Err  error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation in %s at %s: %v", e.Op, e.Step, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ConsistencyError) Unwrap() []error { return []error{ErrConsistency, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsFatal returns true for errors that indicate a broken invariant.
func IsFatal(err error) bool { return errors.Is(err, ErrConsistency) }

// IsClientError returns true if the caller can act on the error.
func IsClientError(err error) bool {
	if IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrAlreadyExists)
}

func notFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }
