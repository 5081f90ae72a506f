package service

import "errors"

// Error kinds surfaced by the ledger and the withdrawal workflow. Callers
// match them with errors.Is; messages carry the detail.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidState      = errors.New("invalid state")
	ErrValidation        = errors.New("validation failed")
	// ErrConcurrentUpdate means the wallet row moved between read and write.
	// The operation was not applied; retrying is up to the caller.
	ErrConcurrentUpdate = errors.New("concurrent wallet update")
	ErrKYCNotVerified   = errors.New("kyc not verified")
)
