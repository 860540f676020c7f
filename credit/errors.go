/*
errors.go - Centralized error types for the credit ledger

PURPOSE:
  All error types in one place so the API layer can map them to responses
  with errors.Is / errors.As and never has to parse messages.

ERROR CATEGORIES:
  1. Validation errors - bad input or a business rule violation; nothing changed
  2. Conflict errors   - duplicate idempotency key, lost compare-and-swap
  3. Storage errors    - busy/locked store after retries, or a driver failure

USAGE:
  var verr *credit.ValidationError
  if errors.As(err, &verr) {
      // 4xx with verr.Message
  }
  if errors.Is(err, credit.ErrStorageBusy) {
      // 503, safe to retry later
  }

SEE ALSO:
  - allocation.go: Produces most validation errors
  - store/sqlite/sqlite.go: Produces storage errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the parent of validation errors about missing records.
	ErrNotFound = errors.New("not found")

	// ErrDuplicatePayment is returned when a payment reuses an idempotency key.
	ErrDuplicatePayment = errors.New("duplicate payment idempotency key")

	// ErrConcurrentModification is returned when the customer row changed
	// between read and write (balance_version compare-and-swap failed).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrStorageBusy is returned when the store stayed locked through every retry.
	ErrStorageBusy = errors.New("storage busy")

	// ErrStorage is the parent of every StorageError.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// Validation codes. They are part of the API contract.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidMethod       = "invalid_payment_method"
	CodeMissingIdentity     = "missing_identity"
	CodeCustomerNotFound    = "customer_not_found"
	CodeInvoiceNotFound     = "invoice_not_found"
	CodeInvoiceNotOwned     = "invoice_not_owned"
	CodeInvoiceAlreadyPaid  = "invoice_already_paid"
	CodeInvoiceCancelled    = "invoice_cancelled"
	CodeInvoiceHasPayments  = "invoice_has_payments"
	CodeDuplicateInvoice    = "duplicate_invoice"
	CodeNoInvoices          = "no_invoices"
	CodeBalanceExceeded     = "balance_exceeded"
	CodeTargetTotalMismatch = "target_total_mismatch"
	CodeTargetTotalExceeded = "target_total_exceeded"
	CodeInvalidInvoice      = "invalid_invoice"
	CodeInvalidCustomer     = "invalid_customer"
	CodeInvalidPolicy       = "invalid_target_policy"
	CodeInvalidFilter       = "invalid_filter"
)

// ValidationError is a business rule violation with a human-readable reason.
// No state has been changed when one is returned.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.IsNotFound() {
		return []error{ErrValidation, ErrNotFound}
	}
	return []error{ErrValidation}
}

// IsNotFound reports whether the error is about a missing record.
func (e *ValidationError) IsNotFound() bool {
	return e.Code == CodeCustomerNotFound || e.Code == CodeInvoiceNotFound
}

func validationf(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// STORAGE ERRORS
// =============================================================================

// StorageError wraps a driver failure (constraint violation, I/O error).
// The unit of work it happened in has been rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// BusyError reports a unit of work abandoned after the retry budget.
type BusyError struct {
	Attempts int
	Err      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("storage busy after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BusyError) Unwrap() []error {
	return []error{ErrStorageBusy, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing customer or invoice.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for duplicate submissions.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicatePayment)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageBusy) || errors.Is(err, ErrConcurrentModification)
}
