/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Components wrap these with record context; run controllers classify
  them to decide whether a record failed, was skipped, or was counted
  as not found.

ERROR CATEGORIES:
  1. Resolution errors - catalog codes that do not resolve (record fails)
  2. Integrity errors - positive discounts, malformed snapshots (record fails)
  3. Not-found lookups - guardian/student missing (counted and skipped)
  4. Store errors - persistence, locking, idempotency

USAGE:
  if errors.Is(err, billing.ErrCatalogResolution) {
      // log with the record's natural key, continue the batch
  }

SEE ALSO:
  - catalog/resolver.go: Raises CatalogResolutionError
  - invoice/assembler.go: Raises InvalidDiscountSignError
  - recompute/controller.go: Classifies errors per record
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCatalogResolution is returned when a referenced product, course or
	// pack code has no master entry. It points at a broken legacy mapping
	// and must be surfaced, never skipped.
	ErrCatalogResolution = errors.New("catalog resolution failed")

	// ErrInvalidDiscountSign is returned when a discount amount is positive.
	ErrInvalidDiscountSign = errors.New("discount amount must not be positive")

	// ErrMalformedInstrument is returned for a discount record with a
	// missing value or unknown calculation kind.
	ErrMalformedInstrument = errors.New("malformed discount instrument")

	// ErrInvariantViolation is returned when snapshot totals do not add up.
	ErrInvariantViolation = errors.New("snapshot invariant violated")

	ErrSnapshotNotFound = errors.New("billing snapshot not found")
	ErrSnapshotExists   = errors.New("billing snapshot already exists")
	ErrSnapshotLocked   = errors.New("billing snapshot is locked by export")
	ErrGuardianNotFound = errors.New("guardian not found")
	ErrStudentNotFound  = errors.New("student not found")

	ErrInstrumentNotFound = errors.New("discount instrument not found")

	// ErrInstrumentConsumed is returned when a one-shot instrument already
	// used by one period is marked used by another.
	ErrInstrumentConsumed = errors.New("discount instrument already consumed by another period")

	// ErrRunLocked is returned when another run holds the same tenant/period.
	ErrRunLocked = errors.New("billing run already in progress for tenant and period")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the
	// same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrUnsupportedSchema = errors.New("unsupported snapshot schema version")
	ErrInvalidPeriod     = errors.New("invalid billing period")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CatalogResolutionError names the code that failed to resolve.
type CatalogResolutionError struct {
	Code       string
	Kind       string // "product", "course", "pack"
	ContractID string
}

func (e *CatalogResolutionError) Error() string {
	return fmt.Sprintf("catalog resolution failed: no %s master for code %q (contract %s)",
		e.Kind, e.Code, e.ContractID)
}

func (e *CatalogResolutionError) Unwrap() error { return ErrCatalogResolution }

// InvalidDiscountSignError reports a discount line with a positive amount.
type InvalidDiscountSignError struct {
	Name   string
	Kind   DiscountKind
	Amount Yen
}

func (e *InvalidDiscountSignError) Error() string {
	return fmt.Sprintf("invalid discount sign: %s (%s) has amount %d", e.Name, e.Kind, e.Amount)
}

func (e *InvalidDiscountSignError) Unwrap() error { return ErrInvalidDiscountSign }

// MalformedInstrumentError describes why a discount record was unusable.
type MalformedInstrumentError struct {
	ID     string
	Kind   DiscountKind
	Reason string
}

func (e *MalformedInstrumentError) Error() string {
	return fmt.Sprintf("malformed %s instrument %s: %s", e.Kind, e.ID, e.Reason)
}

func (e *MalformedInstrumentError) Unwrap() error { return ErrMalformedInstrument }

// InvariantError carries the totals that failed to add up.
type InvariantError struct {
	SnapshotID string
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("snapshot %s: %s", e.SnapshotID, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true for lookups that are counted and skipped.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGuardianNotFound) ||
		errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrInstrumentNotFound)
}

// IsIntegrity returns true for data-integrity violations.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInvalidDiscountSign) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrUnsupportedSchema)
}

func IsResolution(err error) bool {
	return errors.Is(err, ErrCatalogResolution)
}
