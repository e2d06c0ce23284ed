package ticket

import "github.com/golang-jwt/jwt/v5"

// purposeRegistration is the only purpose a ticket is minted for today.
const purposeRegistration = "registration"

// Claims are the JWT claims of a registration ticket. Subject is the
// verified E.164 phone number.
type Claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"pur"`
}
