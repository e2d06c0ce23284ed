package domain

import "time"

// Compiled defaults for the verification policy. Every value here can be
// overridden through configuration (see internal/config).
const (
	// Code shape
	CodeLength = 6         // digits per one-time code
	CodeSpace  = 1_000_000 // 10^CodeLength, uniform over 000000-999999

	// Validity windows
	RecoveryCodeTTL = 15 * time.Minute // password-recovery code lifetime
	PhoneCodeTTL    = 5 * time.Minute  // phone-verification code lifetime

	// Abuse controls
	ResendCooldown  = 10 * time.Second // minimum gap between two Issue calls per identity
	MaxCodeAttempts = 5                // mismatches tolerated before the record is burned
	LockoutDuration = 15 * time.Minute // Issue/Verify refused after attempts run out

	// Registration ticket minted once a phone is verified
	RegistrationTicketTTL = 15 * time.Minute

	// Password policy
	MinPasswordLength = 6
	MaxPasswordBytes  = 72 // bcrypt ignores anything past 72 bytes
	PasswordHashCost  = 12

	// Timeout contracts
	OperationTimeout = 5 * time.Second // overall deadline for one Issue or Verify
	DynamoDBTimeout  = 5 * time.Second
	RedisTimeout     = 2 * time.Second
	DeliveryTimeout  = 4 * time.Second

	// Graceful shutdown
	GracefulShutdownTimeout = 30 * time.Second
	ShutdownDrainDelay      = 1 * time.Second  // health reports 503 before the listener closes
	ShutdownHTTPTimeout     = 20 * time.Second // in-flight requests finish within this
	ShutdownOTELTimeout     = 5 * time.Second  // final span and metric flush
)
