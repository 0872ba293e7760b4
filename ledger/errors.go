/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  Every failure a caller can see from the ledger falls into one of five
  kinds. Callers branch on the kind, never on message text.

ERROR KINDS:
  1. Validation         - malformed or missing input, detected before any I/O
  2. NotFound           - unresolved user, reward, activity or redemption
  3. Unavailable        - reward exists but is not currently offered
  4. InsufficientBalance - derived balance below the reward's cost
  5. Sync               - remote submission or fetch failed

USAGE:
  _, err := svc.RedeemReward(ctx, userID, rewardID)
  var short *ledger.InsufficientBalanceError
  if errors.As(err, &short) {
      fmt.Println("missing", short.Shortfall)
  }

  switch ledger.KindOf(err) {
  case ledger.KindSync:
      // nothing was committed, safe to retry later
  }

SEE ALSO:
  - service.go: Produces validation, not found, unavailable and balance errors
  - sync.go: Produces sync errors
*/
package ledger

import (
	"errors"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when a reward is not currently offered.
	ErrUnavailable = errors.New("reward unavailable")

	// ErrInsufficientBalance is returned when a redemption exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrSync is returned when the remote store could not confirm an operation.
	ErrSync = errors.New("sync failed")

	// ErrConflict is the cause of a SyncError when the remote confirmed
	// something other than what was submitted.
	ErrConflict = errors.New("remote confirmation does not match submission")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the entity that could not be resolved.
type NotFoundError struct {
	Entity string // "user", "reward", "activity", "redemption"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UnavailableError is returned when redeeming a reward marked unavailable.
type UnavailableError struct {
	RewardID RewardID
	Title    string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("reward %q is not available", e.RewardID)
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Points
	Required  Points
	Shortfall Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, required %d, shortfall %d",
		e.Available, e.Required, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// SyncError wraps a transport failure. Error() never includes the cause so
// transport details don't reach callers; use Cause() for logs.
type SyncError struct {
	Op    string // "submit activity", "submit redemption", "fetch users", ...
	cause error
}

func NewSyncError(op string, cause error) *SyncError {
	return &SyncError{Op: op, cause: cause}
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed: %s", e.Op)
}

func (e *SyncError) Unwrap() error { return ErrSync }

// Cause returns the underlying transport error.
func (e *SyncError) Cause() error { return e.cause }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindUnavailable         Kind = "unavailable"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindSync                Kind = "sync"
	KindInternal            Kind = "internal"
)

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrSync):
		return KindSync
	default:
		return KindInternal
	}
}

// IsClientError returns true if the error is due to caller input or state
// the caller can see, as opposed to a remote or internal failure.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindUnavailable, KindInsufficientBalance:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var printer = message.NewPrinter(language.English)

// Message renders err as a sentence suitable for an end user.
func Message(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		ue *UnavailableError
		ib *InsufficientBalanceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return printer.Sprintf("Please check the %s: %s.", ve.Field, ve.Reason)
	case errors.As(err, &nf):
		return printer.Sprintf("We couldn't find that %s.", nf.Entity)
	case errors.As(err, &ue):
		if ue.Title != "" {
			return printer.Sprintf("%q is not available right now.", ue.Title)
		}
		return printer.Sprintf("This reward is not available right now.")
	case errors.As(err, &ib):
		return printer.Sprintf("Not enough points: this reward costs %d and you have %d (%d short).",
			int64(ib.Required), int64(ib.Available), int64(ib.Shortfall))
	case errors.Is(err, ErrSync):
		return printer.Sprintf("The points service could not be reached. Nothing was changed, please try again.")
	default:
		return printer.Sprintf("Something went wrong.")
	}
}
