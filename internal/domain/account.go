package domain

import "time"

// Account is the credential-store view of a CRM account. Email and Phone are
// canonical (see Normalizer); PasswordHash is a bcrypt hash.
type Account struct {
	ID           string
	Email        string
	Phone        string
	Name         string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
