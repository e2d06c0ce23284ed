package domain

// Purpose distinguishes the flows that share the verification mechanics.
// Records for different purposes never collide, even for the same identity.
type Purpose string

const (
	PurposePasswordRecovery  Purpose = "password_recovery"
	PurposePhoneVerification Purpose = "phone_verification"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposePasswordRecovery || p == PurposePhoneVerification
}

// IdentityKind returns the kind of identity the purpose is keyed by:
// accounts recover by e-mail, registrations verify a phone.
func (p Purpose) IdentityKind() IdentityKind {
	if p == PurposePasswordRecovery {
		return IdentityEmail
	}
	return IdentityPhone
}

func (p Purpose) String() string { return string(p) }
