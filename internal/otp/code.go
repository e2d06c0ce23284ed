// Package otp holds the primitives of one-time code verification: code
// generation, record keys, MAC binding and the delivery contract.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/aelexs/wacrm/internal/domain"
)

var codeSpace = big.NewInt(domain.CodeSpace)

// GenerateCode returns a uniformly random 6-digit code, zero-padded
// ("000123"). rand.Int samples without modulo bias.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", domain.CodeLength, n.Int64()), nil
}

// ValidCodeFormat reports whether s has the shape of a generated code.
// Used to reject garbage before it costs a verification attempt.
func ValidCodeFormat(s string) bool {
	if len(s) != domain.CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
