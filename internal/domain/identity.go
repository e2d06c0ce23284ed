package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
)

// IdentityKind is the shape of an identity: an e-mail address or a phone.
type IdentityKind string

const (
	IdentityEmail IdentityKind = "email"
	IdentityPhone IdentityKind = "phone"
)

// Identity is a canonical identity. Phones are E.164 ("+60123456789"),
// e-mails are trimmed and case-folded. Construct with Normalizer.Normalize.
type Identity struct {
	Kind  IdentityKind
	Value string
}

func (i Identity) String() string { return i.Value }
func (i Identity) IsZero() bool   { return i.Value == "" }

// Normalizer canonicalizes raw user input into an Identity. The zero value
// is not usable; build one with NewNormalizer or fill every field.
type Normalizer struct {
	CountryCode        string // calling code without "+", e.g. "60"
	TrunkPrefix        string // national trunk prefix, e.g. "0"
	FoldEmailLocalPart bool
}

// NewNormalizer returns a Normalizer for the given calling code and trunk
// prefix that folds the case of e-mail local parts.
func NewNormalizer(countryCode, trunkPrefix string) Normalizer {
	return Normalizer{
		CountryCode:        strings.TrimPrefix(countryCode, "+"),
		TrunkPrefix:        trunkPrefix,
		FoldEmailLocalPart: true,
	}
}

var validate = validator.New()

// Normalize returns the canonical identity for raw. It is idempotent:
// normalizing an already canonical value returns it unchanged.
func (n Normalizer) Normalize(raw string, kind IdentityKind) (Identity, error) {
	var (
		value string
		err   error
	)
	switch kind {
	case IdentityPhone:
		value, err = n.NormalizePhone(raw)
	case IdentityEmail:
		value, err = n.NormalizeEmail(raw)
	default:
		return Identity{}, fmt.Errorf("unknown identity kind %q: %w", kind, ErrInvalidIdentity)
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kind: kind, Value: value}, nil
}

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")

// NormalizePhone converts a local or international phone number to E.164.
func (n Normalizer) NormalizePhone(raw string) (string, error) {
	s := phoneSeparators.Replace(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("phone number is empty: %w", ErrInvalidIdentity)
	}

	international := strings.HasPrefix(s, "+")
	digits := strings.TrimPrefix(s, "+")
	if !isDigits(digits) {
		return "", fmt.Errorf("phone number contains non-digits: %w", ErrInvalidIdentity)
	}

	switch {
	case international:
	case n.TrunkPrefix != "" && strings.HasPrefix(digits, n.TrunkPrefix):
		digits = n.CountryCode + strings.TrimPrefix(digits, n.TrunkPrefix)
	case strings.HasPrefix(digits, n.CountryCode):
	default:
		digits = n.CountryCode + digits
	}

	if len(digits) < 7 || len(digits) > 15 || digits[0] == '0' {
		return "", fmt.Errorf("phone number has %d digits: %w", len(digits), ErrInvalidIdentity)
	}

	e164 := "+" + digits
	num, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return "", fmt.Errorf("parse phone number: %v: %w", err, ErrInvalidIdentity)
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", fmt.Errorf("phone number is not dialable: %w", ErrInvalidIdentity)
	}
	return e164, nil
}

// NormalizeEmail trims and case-folds an e-mail address.
func (n Normalizer) NormalizeEmail(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("email is empty: %w", ErrInvalidIdentity)
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return "", fmt.Errorf("email has no domain: %w", ErrInvalidIdentity)
	}

	local, host := s[:at], strings.ToLower(s[at+1:])
	if n.FoldEmailLocalPart {
		local = strings.ToLower(local)
	}
	email := local + "@" + host

	if err := validate.Var(email, "email"); err != nil {
		return "", fmt.Errorf("email is malformed: %w", ErrInvalidIdentity)
	}
	return email, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
