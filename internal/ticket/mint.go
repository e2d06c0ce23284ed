package ticket

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aelexs/wacrm/internal/domain"
)

// Ticket is a signed registration ticket.
type Ticket struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Minter signs registration tickets.
type Minter struct {
	keyStore KeyStore
	ttl      time.Duration
	issuer   string
	audience string
	clock    domain.Clock
}

// MinterConfig holds configuration for creating a Minter.
type MinterConfig struct {
	KeyStore KeyStore
	TTL      time.Duration
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewMinter creates a new ticket minter.
func NewMinter(cfg MinterConfig) *Minter {
	return &Minter{
		keyStore: cfg.KeyStore,
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// Mint issues a ticket whose subject is the verified phone number.
func (m *Minter) Mint(phone string) (Ticket, error) {
	privateKey, keyID, err := m.keyStore.SigningKey()
	if err != nil {
		return Ticket{}, fmt.Errorf("get signing key: %w", err)
	}

	now := m.clock.Now().UTC()
	jti := uuid.NewString()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   phone,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Purpose: purposeRegistration,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	token.Header["kid"] = keyID

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return Ticket{}, fmt.Errorf("sign registration ticket: %w", err)
	}

	return Ticket{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}
