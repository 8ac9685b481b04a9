/*
errors.go - Error taxonomy for the ledger

PURPOSE:
  Every rejection carries a stable Code plus a human-readable message so the
  booking engine and the admin console can branch on it without string
  matching.

ERROR CATEGORIES:
  1. Policy errors - detected before any mutation (quantity, threshold, flags)
  2. Authorization errors - caller has no role/relationship to the account
  3. Balance errors - consumption exceeds what is available
  4. Transient errors - optimistic concurrency conflicts
  5. Canceled - the caller gave up (context canceled or deadline exceeded)

USAGE:
  if errors.Is(err, credit.ErrInsufficientBalance) { ... }
  switch credit.CodeOf(err) { case credit.CodeFeatureDisabled: ... }

SEE ALSO:
  - policy.go: Produces policy and authorization errors
  - guard.go: Produces and retries CONFLICT
*/
package credit

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable, caller-inspectable error code.
type Code string

const (
	CodeInvalidQuantity          Code = "INVALID_QUANTITY"
	CodeHighQuantityNotConfirmed Code = "HIGH_QUANTITY_NOT_CONFIRMED"
	CodeFeatureDisabled          Code = "FEATURE_DISABLED"
	CodeAcademyNotFound          Code = "ACADEMY_NOT_FOUND"
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeConflict                 Code = "CONFLICT"
	CodeIdempotencyKeyReused     Code = "IDEMPOTENCY_KEY_REUSED"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeCanceled                 Code = "CANCELED"
	CodeInternal                 Code = "INTERNAL"
)

// Error is the structured error returned by every ledger operation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidQuantity          = &Error{Code: CodeInvalidQuantity, Message: "quantity must be a positive integer"}
	ErrHighQuantityNotConfirmed = &Error{Code: CodeHighQuantityNotConfirmed, Message: "quantity above threshold requires confirmation"}
	ErrFeatureDisabled          = &Error{Code: CodeFeatureDisabled, Message: "manual credit release is disabled for this tenant"}
	ErrAcademyNotFound          = &Error{Code: CodeAcademyNotFound, Message: "tenant not found"}
	ErrInsufficientBalance      = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrUnauthorized             = &Error{Code: CodeUnauthorized, Message: "caller is not allowed to perform this operation"}
	ErrConflict                 = &Error{Code: CodeConflict, Message: "balance was modified concurrently"}
	ErrIdempotencyKeyReused     = &Error{Code: CodeIdempotencyKeyReused, Message: "idempotency key already used for a different operation"}
	ErrInvalidRequest           = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrCanceled                 = &Error{Code: CodeCanceled, Message: "request canceled"}
)

// ErrDuplicateIdempotencyKey is returned by stores when an append collides
// with an existing idempotency key. The service resolves it to a replay.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// ErrNotFound is returned by stores for missing transactions or audits.
var ErrNotFound = errors.New("not found")

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a shortage.
type InsufficientBalanceError struct {
	Key       AccountKey
	Operation TransactionType
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: %s of %d on %s exceeds available %d",
		CodeInsufficientBalance, e.Operation, e.Requested, e.Key, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf extracts the ledger code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return CodeInsufficientBalance
	}
	if isContextError(err) {
		return CodeCanceled
	}
	return CodeInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to caller input or policy.
func IsClientError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidQuantity, CodeHighQuantityNotConfirmed, CodeFeatureDisabled,
		CodeAcademyNotFound, CodeInsufficientBalance, CodeUnauthorized,
		CodeIdempotencyKeyReused, CodeInvalidRequest:
		return true
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// canceledError wraps a context error so it keeps errors.Is(err,
// context.Canceled) and reports CodeCanceled.
func canceledError(err error) error {
	if err == nil || !isContextError(err) {
		return err
	}
	return &Error{Code: CodeCanceled, Message: "request canceled", Err: err}
}
