// Package app implements the account verification flows: issuing and
// consuming one-time codes, password recovery and phone-verified
// registration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/observability"
	"github.com/aelexs/wacrm/internal/otp"
)

// rollbackTimeout bounds the conditional delete run after a failed delivery.
// It runs detached from the request so an expired request deadline cannot
// leave an undeliverable code behind.
const rollbackTimeout = 2 * time.Second

// VerificationServiceConfig holds the dependencies for VerificationService.
type VerificationServiceConfig struct {
	Store       VerificationStore
	Credentials CredentialStore
	Limiter     CooldownLimiter
	Gateway     otp.DeliveryGateway
	Normalizer  domain.Normalizer
	Policy      Policy
	Clock       domain.Clock
	Pepper      domain.SecretBytes
	AppName     string
	Logger      *slog.Logger
}

// VerificationService owns the code lifecycle for every (identity, purpose):
// NONE -> PENDING -> CONSUMED or EXPIRED, where both terminal states allow a
// fresh Issue.
type VerificationService struct {
	store       VerificationStore
	credentials CredentialStore
	limiter     CooldownLimiter
	gateway     otp.DeliveryGateway
	normalizer  domain.Normalizer
	policy      Policy
	clock       domain.Clock
	pepper      domain.SecretBytes
	appName     string
	logger      *slog.Logger
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(cfg VerificationServiceConfig) *VerificationService {
	if cfg.Policy.OperationTimeout <= 0 {
		cfg.Policy.OperationTimeout = domain.OperationTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = domain.MaxCodeAttempts
	}
	return &VerificationService{
		store:       cfg.Store,
		credentials: cfg.Credentials,
		limiter:     cfg.Limiter,
		gateway:     cfg.Gateway,
		normalizer:  cfg.Normalizer,
		policy:      cfg.Policy,
		clock:       cfg.Clock,
		pepper:      cfg.Pepper,
		appName:     cfg.AppName,
		logger:      cfg.Logger,
	}
}

func lockoutKey(key string) string  { return "otp:lockout:" + key }
func cooldownKey(key string) string { return "otp:cooldown:" + key }

// Issue generates a code for raw, stores it and delivers it. Any code
// previously issued for the same identity and purpose stops being valid.
func (s *VerificationService) Issue(ctx context.Context, raw string, purpose domain.Purpose) (*IssueResult, error) {
	ctx, span := tracer.Start(ctx, "otp.issue", trace.WithAttributes(attribute.String("purpose", purpose.String())))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.OperationTimeout)
	defer cancel()

	result, err := s.issue(ctx, raw, purpose)
	if err != nil {
		failSpan(span, err)
		return nil, unavailable(err)
	}
	return result, nil
}

func (s *VerificationService) issue(ctx context.Context, raw string, purpose domain.Purpose) (*IssueResult, error) {
	logger := observability.WithTraceID(ctx, s.logger)

	if !purpose.Valid() {
		return nil, fmt.Errorf("purpose %q: %w", purpose, domain.ErrInvalidInput)
	}

	id, err := s.normalizer.Normalize(raw, purpose.IdentityKind())
	if err != nil {
		return nil, err
	}
	key := otp.RecordKey(purpose, id)

	locked, err := s.limiter.CheckLockout(ctx, lockoutKey(key))
	if err != nil {
		return nil, fmt.Errorf("check lockout: %w", failClosed(err))
	}
	if locked {
		return nil, fmt.Errorf("identity locked out: %w", domain.ErrRateLimited)
	}

	destination, err := s.resolveDestination(ctx, id, purpose)
	if err != nil {
		return nil, err
	}

	if s.policy.ResendCooldown > 0 {
		allowed, err := s.limiter.CheckAndIncrement(ctx, cooldownKey(key), 1, s.policy.ResendCooldown)
		if err != nil {
			return nil, fmt.Errorf("check cooldown: %w", failClosed(err))
		}
		if !allowed {
			return nil, domain.ErrCooldown
		}
	}

	code, err := otp.GenerateCode()
	if err != nil {
		return nil, err
	}

	ttl := s.policy.TTL(purpose)
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	rec := otp.Record{
		Key:               key,
		Identity:          id.Value,
		Purpose:           purpose,
		Destination:       destination,
		IssuedAt:          now,
		ExpiresAt:         now.Add(ttl),
		AttemptsRemaining: s.policy.MaxAttempts,
	}
	rec.CodeMAC = otp.ComputeCodeMAC(s.pepper.Expose(), code, key, rec.ExpiresAt)

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store code: %w", err)
	}

	if err := s.gateway.Send(ctx, destination, otp.MessageBody(s.appName, code, ttl)); err != nil {
		otpDeliveryFailuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose.String())))
		s.rollback(ctx, logger, rec)
		logger.WarnContext(ctx, "otp.delivery_failed",
			"error", err, "purpose", purpose, "destination", otp.MaskPhone(destination), logAttrKey(key))
		return nil, errors.Join(fmt.Errorf("deliver code: %w", err), domain.ErrDeliveryFailed)
	}

	otpIssuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose.String())))
	logger.InfoContext(ctx, "otp.issued",
		"purpose", purpose, "destination", otp.MaskPhone(destination), logAttrKey(key),
		"expires_at", rec.ExpiresAt)

	return &IssueResult{
		ExpiresAt:         rec.ExpiresAt,
		RetryAfter:        s.policy.ResendCooldown,
		MaskedDestination: otp.MaskPhone(destination),
	}, nil
}

// resolveDestination returns the phone a code for id should be sent to.
func (s *VerificationService) resolveDestination(ctx context.Context, id domain.Identity, purpose domain.Purpose) (string, error) {
	switch purpose {
	case domain.PurposePasswordRecovery:
		acct, err := s.credentials.FindByEmail(ctx, id.Value)
		if domain.IsNotFound(err) {
			return "", domain.ErrAccountNotFound
		}
		if err != nil {
			return "", fmt.Errorf("find account: %w", err)
		}
		if !acct.Active {
			return "", domain.ErrAccountNotFound
		}
		if acct.Phone == "" {
			return "", domain.ErrNoDeliveryTarget
		}
		phone, err := s.normalizer.NormalizePhone(acct.Phone)
		if err != nil {
			return "", fmt.Errorf("account phone unusable: %w", domain.ErrNoDeliveryTarget)
		}
		return phone, nil

	default:
		_, err := s.credentials.FindByPhone(ctx, id.Value)
		if err == nil {
			return "", fmt.Errorf("phone already registered: %w", domain.ErrAlreadyExists)
		}
		if !domain.IsNotFound(err) {
			return "", fmt.Errorf("find account by phone: %w", err)
		}
		return id.Value, nil
	}
}

// rollback removes a record whose code never reached the user. The delete is
// conditional on the MAC so a concurrent reissue is left alone.
func (s *VerificationService) rollback(ctx context.Context, logger *slog.Logger, rec otp.Record) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if _, err := s.store.ConsumeIfMatch(rbCtx, rec.Key, rec.Purpose, rec.CodeMAC, rec.IssuedAt); err != nil {
		logger.ErrorContext(ctx, "otp.rollback_failed", "error", err, logAttrKey(rec.Key))
	}
}

// Verify checks code against the outstanding record for raw. It has no side
// effect on success; a mismatch costs one attempt, taken atomically with the
// comparison.
func (s *VerificationService) Verify(ctx context.Context, raw string, purpose domain.Purpose, code string) (*Verification, error) {
	ctx, span := tracer.Start(ctx, "otp.verify", trace.WithAttributes(attribute.String("purpose", purpose.String())))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.OperationTimeout)
	defer cancel()

	v, err := s.verify(ctx, raw, purpose, code)
	if err != nil {
		failSpan(span, err)
		return nil, unavailable(err)
	}
	return v, nil
}

func (s *VerificationService) verify(ctx context.Context, raw string, purpose domain.Purpose, code string) (*Verification, error) {
	logger := observability.WithTraceID(ctx, s.logger)

	if !purpose.Valid() {
		return nil, fmt.Errorf("purpose %q: %w", purpose, domain.ErrInvalidInput)
	}

	id, err := s.normalizer.Normalize(raw, purpose.IdentityKind())
	if err != nil {
		return nil, err
	}
	key := otp.RecordKey(purpose, id)

	if !otp.ValidCodeFormat(code) {
		s.countVerify(ctx, purpose, "malformed")
		return nil, domain.ErrInvalidOrExpiredCode
	}

	rec, err := s.store.Get(ctx, key, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		s.countVerify(ctx, purpose, "missing")
		return nil, domain.ErrInvalidOrExpiredCode
	}
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}

	if rec.Expired(s.clock.Now()) {
		s.countVerify(ctx, purpose, "expired")
		return nil, domain.ErrInvalidOrExpiredCode
	}
	if rec.AttemptsRemaining <= 0 {
		s.countVerify(ctx, purpose, "exhausted")
		return nil, domain.ErrInvalidOrExpiredCode
	}

	// The comparison and the attempt it may cost are one store operation.
	candidate := otp.ComputeCodeMAC(s.pepper.Expose(), code, key, rec.ExpiresAt)
	res, err := s.store.CheckCode(ctx, key, purpose, candidate, s.clock.Now())
	if errors.Is(err, domain.ErrNotFound) {
		s.countVerify(ctx, purpose, "missing")
		return nil, domain.ErrInvalidOrExpiredCode
	}
	if err != nil {
		return nil, fmt.Errorf("check code: %w", err)
	}
	if !res.Matched {
		s.countVerify(ctx, purpose, "mismatch")
		s.recordMismatch(ctx, logger, key, purpose, res.AttemptsRemaining)
		return nil, domain.ErrInvalidOrExpiredCode
	}

	return &Verification{
		Identity:    id,
		Key:         key,
		Purpose:     purpose,
		MAC:         candidate,
		Destination: rec.Destination,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// recordMismatch logs a wrong code and locks the identity out once no
// attempts remain.
func (s *VerificationService) recordMismatch(ctx context.Context, logger *slog.Logger, key string, purpose domain.Purpose, remaining int) {
	logger.InfoContext(ctx, "otp.verify_failed", "purpose", purpose, "attempts_remaining", remaining, logAttrKey(key))
	if remaining > 0 {
		return
	}

	otpLockoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose.String())))
	if err := s.limiter.SetLockout(ctx, lockoutKey(key), s.policy.LockoutDuration); err != nil {
		logger.ErrorContext(ctx, "otp.lockout_failed", "error", err, logAttrKey(key))
	}
	logger.WarnContext(ctx, "otp.locked_out", "purpose", purpose, logAttrKey(key),
		"lockout", s.policy.LockoutDuration)
}

// Consume deletes the outstanding record for raw, if any.
func (s *VerificationService) Consume(ctx context.Context, raw string, purpose domain.Purpose) error {
	ctx, span := tracer.Start(ctx, "otp.consume", trace.WithAttributes(attribute.String("purpose", purpose.String())))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.OperationTimeout)
	defer cancel()

	if !purpose.Valid() {
		return fmt.Errorf("purpose %q: %w", purpose, domain.ErrInvalidInput)
	}
	id, err := s.normalizer.Normalize(raw, purpose.IdentityKind())
	if err != nil {
		failSpan(span, err)
		return err
	}
	if err := s.store.Delete(ctx, otp.RecordKey(purpose, id), purpose); err != nil {
		failSpan(span, err)
		return unavailable(fmt.Errorf("delete code: %w", err))
	}
	return nil
}

// VerifyAndConsume verifies code and atomically consumes the record. Of any
// number of concurrent calls with the same valid code exactly one succeeds;
// only that caller may apply its side effect.
func (s *VerificationService) VerifyAndConsume(ctx context.Context, raw string, purpose domain.Purpose, code string) (*Verification, error) {
	ctx, span := tracer.Start(ctx, "otp.verify_and_consume", trace.WithAttributes(attribute.String("purpose", purpose.String())))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.OperationTimeout)
	defer cancel()

	v, err := s.verify(ctx, raw, purpose, code)
	if err != nil {
		failSpan(span, err)
		return nil, unavailable(err)
	}

	consumed, err := s.store.ConsumeIfMatch(ctx, v.Key, purpose, v.MAC, s.clock.Now())
	if err != nil {
		failSpan(span, err)
		return nil, unavailable(fmt.Errorf("consume code: %w", err))
	}
	if !consumed {
		s.countVerify(ctx, purpose, "raced")
		span.SetAttributes(attribute.Bool("otp.raced", true))
		return nil, domain.ErrInvalidOrExpiredCode
	}

	s.countVerify(ctx, purpose, "success")
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "otp.consumed", "purpose", purpose, logAttrKey(v.Key))
	return v, nil
}

func (s *VerificationService) countVerify(ctx context.Context, purpose domain.Purpose, result string) {
	otpVerifyTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("purpose", purpose.String()),
		attribute.String("result", result),
	))
}

// failClosed attaches domain.ErrUnavailable to limiter failures that do not
// already carry it, so a broken limiter denies instead of allowing.
func failClosed(err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	return errors.Join(err, domain.ErrUnavailable)
}
