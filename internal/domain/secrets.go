package domain

import "log/slog"

// SecretString wraps a sensitive string such as an API token or SMTP
// password. It prints and logs as [REDACTED]; Expose returns the value.
type SecretString string

func (s SecretString) String() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Expose returns the actual secret value.
func (s SecretString) Expose() string { return string(s) }

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool { return len(s) == 0 }

// SecretBytes is the byte-slice counterpart of SecretString, used for the
// OTP pepper.
type SecretBytes []byte

func (s SecretBytes) String() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (s SecretBytes) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte { return []byte(s) }

// IsEmpty returns true if the secret is empty.
func (s SecretBytes) IsEmpty() bool { return len(s) == 0 }

var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
