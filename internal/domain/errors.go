// Package domain errors.go contains the sentinel errors shared by every layer.
// Callers branch on them with errors.Is; message text is never part of the contract.
package domain

import (
	"errors"
	"fmt"
)

// Outcome errors of the vault engine.
var (
	// ErrValidation marks a malformed request. It is returned before any
	// cryptographic or storage work happens.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers both absent and expired secrets; callers cannot
	// tell the two apart.
	ErrNotFound = errors.New("secret not found")

	// ErrAuthentication indicates the envelope could not be opened: wrong
	// password or tampered ciphertext.
	ErrAuthentication = errors.New("authentication failed")

	// ErrStore wraps any failure of the persistence collaborator.
	ErrStore = errors.New("store failure")
)

// Request shape errors.
var (
	// ErrInvalidID indicates the id is not a canonical SecretID.
	ErrInvalidID = &ValidationError{Reason: "invalid secret id"}

	// ErrBudgetExhausted is returned when a read is recorded against a
	// ReadBudget of zero. Liveness checks make this unreachable on the
	// reveal path.
	ErrBudgetExhausted = errors.New("read budget exhausted")
)

// ValidationError carries a human-readable reason for a rejected request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError from a format string.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StoreFailure wraps err so that errors.Is(result, ErrStore) holds while the
// original cause stays reachable. A nil err yields nil.
func StoreFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}
