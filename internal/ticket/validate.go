package ticket

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aelexs/wacrm/internal/domain"
)

// Validator checks registration tickets.
type Validator struct {
	keyStore KeyStore
	issuer   string
	audience string
	clock    domain.Clock
}

// ValidatorConfig holds configuration for creating a Validator.
type ValidatorConfig struct {
	KeyStore KeyStore
	Issuer   string
	Audience string
	Clock    domain.Clock
}

// NewValidator creates a new ticket validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{
		keyStore: cfg.KeyStore,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		clock:    cfg.Clock,
	}
}

// Validate parses and fully validates a ticket and returns its claims.
// Every failure wraps domain.ErrUnauthorized.
func (v *Validator) Validate(token string) (*Claims, error) {
	var claims Claims

	_, err := jwt.ParseWithClaims(token, &claims, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid registration ticket: %v: %w", err, domain.ErrUnauthorized)
	}
	if claims.Purpose != purposeRegistration {
		return nil, fmt.Errorf("ticket purpose %q: %w", claims.Purpose, domain.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("ticket has no subject: %w", domain.ErrUnauthorized)
	}
	return &claims, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing or invalid kid in token header")
	}
	return v.keyStore.PublicKey(kid)
}
