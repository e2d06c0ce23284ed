// Package domain contains the verification vocabulary shared by every layer:
// identities, purposes, policy defaults and sentinel errors.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountID is a value object representing a CRM account identifier.
// Always valid in memory - use NewAccountID to construct.
type AccountID struct {
	value string
}

// NewAccountID creates an AccountID from a raw string, validating it is a UUID.
func NewAccountID(raw string) (AccountID, error) {
	if raw == "" {
		return AccountID{}, fmt.Errorf("account ID is empty: %w", ErrInvalidInput)
	}
	if _, err := uuid.Parse(raw); err != nil {
		return AccountID{}, fmt.Errorf("invalid account ID %q: %w", raw, ErrInvalidInput)
	}
	return AccountID{value: raw}, nil
}

// MustAccountID creates an AccountID, panicking on invalid input. Use only in tests.
func MustAccountID(raw string) AccountID {
	id, err := NewAccountID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateAccountID creates a new random AccountID.
func GenerateAccountID() AccountID {
	return AccountID{value: uuid.NewString()}
}

func (id AccountID) String() string { return id.value }
func (id AccountID) IsZero() bool   { return id.value == "" }
