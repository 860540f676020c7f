package store

import "errors"

// Constraint failures mirroring the SQLite schema's CHECK and UNIQUE rules.
var (
	errDuplicateNumber = errors.New("UNIQUE constraint failed: sales.invoice_number")
	errMissingRow      = errors.New("no such row")
	errBalanceRange    = errors.New("CHECK constraint failed: balance_due")
	errNonPositive     = errors.New("CHECK constraint failed: amount")
)
