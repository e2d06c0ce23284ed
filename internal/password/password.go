// Package password enforces the password policy and hashes passwords with
// bcrypt.
package password

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/aelexs/wacrm/internal/domain"
)

// Hasher validates and hashes passwords. The zero value is not usable;
// create one with New.
type Hasher struct {
	cost      int
	minLength int
}

// New returns a Hasher using the given bcrypt cost and minimum length in
// characters. An out-of-range cost falls back to domain.PasswordHashCost.
func New(cost, minLength int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = domain.PasswordHashCost
	}
	if minLength <= 0 {
		minLength = domain.MinPasswordLength
	}
	return &Hasher{cost: cost, minLength: minLength}
}

// Validate checks pw against the policy. Errors wrap domain.ErrPolicyViolation.
func (h *Hasher) Validate(pw string) error {
	if n := utf8.RuneCountInString(pw); n < h.minLength {
		return fmt.Errorf("password must be at least %d characters: %w", h.minLength, domain.ErrPolicyViolation)
	}
	if len(pw) > domain.MaxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes: %w", domain.MaxPasswordBytes, domain.ErrPolicyViolation)
	}
	return nil
}

// Hash validates pw and returns its bcrypt hash.
func (h *Hasher) Hash(pw string) (string, error) {
	if err := h.Validate(pw); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
