package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/observability"
	"github.com/aelexs/wacrm/internal/otp"
)

var tracer = observability.Tracer("accounts/app")

var (
	otpIssuedTotal           metric.Int64Counter
	otpVerifyTotal           metric.Int64Counter
	otpDeliveryFailuresTotal metric.Int64Counter
	otpLockoutsTotal         metric.Int64Counter
	passwordResetsTotal      metric.Int64Counter
	accountsRegisteredTotal  metric.Int64Counter
)

func init() {
	m := observability.Meter("accounts/app")

	otpIssuedTotal, _ = m.Int64Counter("otp_issued_total",
		metric.WithDescription("Total verification codes issued and delivered"))
	otpVerifyTotal, _ = m.Int64Counter("otp_verify_total",
		metric.WithDescription("Total code verification attempts by result"))
	otpDeliveryFailuresTotal, _ = m.Int64Counter("otp_delivery_failures_total",
		metric.WithDescription("Total codes that could not be delivered"))
	otpLockoutsTotal, _ = m.Int64Counter("otp_lockouts_total",
		metric.WithDescription("Total identities locked out after exhausting attempts"))
	passwordResetsTotal, _ = m.Int64Counter("password_resets_total",
		metric.WithDescription("Total successful password resets"))
	accountsRegisteredTotal, _ = m.Int64Counter("accounts_registered_total",
		metric.WithDescription("Total accounts created through phone-verified registration"))
}

// VerificationStore persists one outstanding verification record per
// (key, purpose). Every method is atomic for a single key.
type VerificationStore interface {
	// Put upserts rec, replacing any prior record for (rec.Key, rec.Purpose).
	Put(ctx context.Context, rec otp.Record) error
	// Get returns the record or domain.ErrNotFound.
	Get(ctx context.Context, key string, purpose domain.Purpose) (*otp.Record, error)
	// Delete removes the record; deleting a missing record is not an error.
	Delete(ctx context.Context, key string, purpose domain.Purpose) error
	// ConsumeIfMatch deletes the record only if its MAC equals mac, it has
	// not expired at now and it has attempts left. It reports whether this
	// call performed the delete.
	ConsumeIfMatch(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error)
	// CheckCode compares mac with the record's MAC. A mismatch spends one
	// attempt in the same atomic step and deletes the record when none are
	// left. A record that is absent, expired at now or already out of
	// attempts is domain.ErrNotFound and is never compared.
	CheckCode(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error)
}

// CredentialStore holds accounts and their password hashes.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Account, error)
	UpdatePasswordHash(ctx context.Context, accountID, hash string) error
	// CreateAccount fails with domain.ErrAlreadyExists when the e-mail or the
	// phone is already taken.
	CreateAccount(ctx context.Context, acct domain.Account) error
}

// CooldownLimiter enforces the resend cooldown and the post-exhaustion
// lockout. Errors must be treated as denial.
type CooldownLimiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	CheckLockout(ctx context.Context, key string) (bool, error)
	SetLockout(ctx context.Context, key string, ttl time.Duration) error
}

// Notifier tells an account owner about a security-relevant change.
type Notifier interface {
	PasswordChanged(ctx context.Context, acct domain.Account) error
}

// Policy holds the tunable parameters of the verification protocol.
type Policy struct {
	RecoveryTTL      time.Duration
	PhoneTTL         time.Duration
	ResendCooldown   time.Duration
	MaxAttempts      int
	LockoutDuration  time.Duration
	OperationTimeout time.Duration
}

// DefaultPolicy returns the compiled defaults from the domain package.
func DefaultPolicy() Policy {
	return Policy{
		RecoveryTTL:      domain.RecoveryCodeTTL,
		PhoneTTL:         domain.PhoneCodeTTL,
		ResendCooldown:   domain.ResendCooldown,
		MaxAttempts:      domain.MaxCodeAttempts,
		LockoutDuration:  domain.LockoutDuration,
		OperationTimeout: domain.OperationTimeout,
	}
}

// TTL returns the code lifetime for purpose.
func (p Policy) TTL(purpose domain.Purpose) time.Duration {
	if purpose == domain.PurposePasswordRecovery {
		return p.RecoveryTTL
	}
	return p.PhoneTTL
}

// IssueResult is returned by a successful Issue. It never carries the code.
type IssueResult struct {
	ExpiresAt         time.Time
	RetryAfter        time.Duration
	MaskedDestination string
}

// Verification is the handle returned by a successful Verify. Passing it
// back through VerifyAndConsume's conditional delete is what authorizes a
// side effect.
type Verification struct {
	Identity    domain.Identity
	Key         string
	Purpose     domain.Purpose
	MAC         string
	Destination string
	ExpiresAt   time.Time
}

// failSpan records err on span.
func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// unavailable marks deadline overruns as domain.ErrUnavailable so callers
// see a timeout as a service-unavailable condition, not an internal error.
func unavailable(err error) error {
	if err == nil || errors.Is(err, domain.ErrUnavailable) || errors.Is(err, domain.ErrDeliveryFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(err, domain.ErrUnavailable)
	}
	return err
}

// logAttrKey shortens a record key for logs. Keys are already opaque hashes;
// the prefix is enough to correlate lines.
func logAttrKey(key string) slog.Attr {
	if len(key) > 12 {
		key = key[:12]
	}
	return slog.String("record_key", key)
}
