package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/observability"
	"github.com/aelexs/wacrm/internal/password"
	"github.com/aelexs/wacrm/internal/ticket"
)

// AccountServiceConfig holds the dependencies for AccountService.
type AccountServiceConfig struct {
	Verifier    *VerificationService
	Credentials CredentialStore
	Hasher      *password.Hasher
	Minter      *ticket.Minter
	Validator   *ticket.Validator
	Notifier    Notifier // optional
	Normalizer  domain.Normalizer
	Clock       domain.Clock
	Logger      *slog.Logger
}

// AccountService implements the flows exposed over HTTP on top of
// VerificationService: password recovery and phone-verified registration.
type AccountService struct {
	verifier    *VerificationService
	credentials CredentialStore
	hasher      *password.Hasher
	minter      *ticket.Minter
	validator   *ticket.Validator
	notifier    Notifier
	normalizer  domain.Normalizer
	clock       domain.Clock
	logger      *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(cfg AccountServiceConfig) *AccountService {
	return &AccountService{
		verifier:    cfg.Verifier,
		credentials: cfg.Credentials,
		hasher:      cfg.Hasher,
		minter:      cfg.Minter,
		validator:   cfg.Validator,
		notifier:    cfg.Notifier,
		normalizer:  cfg.Normalizer,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// ForgotPassword sends a recovery code to the phone on the account
// registered under email.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) (*IssueResult, error) {
	return s.verifier.Issue(ctx, email, domain.PurposePasswordRecovery)
}

// ResetPassword replaces the account password once code is verified. The
// new password is checked against the policy before the code is touched, so
// a weak password never costs an attempt.
func (s *AccountService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	ctx, span := tracer.Start(ctx, "accounts.reset_password")
	defer span.End()

	logger := observability.WithTraceID(ctx, s.logger)

	if err := s.hasher.Validate(newPassword); err != nil {
		failSpan(span, err)
		return err
	}

	v, err := s.verifier.VerifyAndConsume(ctx, email, domain.PurposePasswordRecovery, code)
	if err != nil {
		failSpan(span, err)
		return err
	}

	// The code is spent from here on; failures below require a new code.
	acct, err := s.credentials.FindByEmail(ctx, v.Identity.Value)
	if domain.IsNotFound(err) {
		failSpan(span, err)
		return domain.ErrAccountNotFound
	}
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("find account: %w", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		failSpan(span, err)
		return err
	}

	if err := s.credentials.UpdatePasswordHash(ctx, acct.ID, hash); err != nil {
		failSpan(span, err)
		return fmt.Errorf("update password: %w", err)
	}

	passwordResetsTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("account.id", acct.ID))
	logger.InfoContext(ctx, "password.reset", "account_id", acct.ID)

	if s.notifier != nil {
		if err := s.notifier.PasswordChanged(ctx, *acct); err != nil {
			logger.WarnContext(ctx, "password.reset_notice_failed", "error", err, "account_id", acct.ID)
		}
	}
	return nil
}

// RequestPhoneCode sends a verification code to a phone that is not yet
// registered.
func (s *AccountService) RequestPhoneCode(ctx context.Context, phone string) (*IssueResult, error) {
	return s.verifier.Issue(ctx, phone, domain.PurposePhoneVerification)
}

// PhoneVerified is returned by VerifyPhone.
type PhoneVerified struct {
	Phone  string
	Ticket ticket.Ticket
}

// VerifyPhone consumes a phone-verification code and mints the registration
// ticket that Register requires.
func (s *AccountService) VerifyPhone(ctx context.Context, phone, code string) (*PhoneVerified, error) {
	ctx, span := tracer.Start(ctx, "accounts.verify_phone")
	defer span.End()

	v, err := s.verifier.VerifyAndConsume(ctx, phone, domain.PurposePhoneVerification, code)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	tk, err := s.minter.Mint(v.Identity.Value)
	if err != nil {
		failSpan(span, err)
		return nil, fmt.Errorf("mint registration ticket: %w", err)
	}

	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "accounts.phone_verified", "ticket_id", tk.JTI)
	return &PhoneVerified{Phone: v.Identity.Value, Ticket: tk}, nil
}

// RegisterParams holds the inputs of Register.
type RegisterParams struct {
	Ticket   string
	Email    string
	Password string
	Name     string
}

// Register creates an account for the phone proven by the ticket. The phone
// uniqueness constraint also makes each ticket usable once.
func (s *AccountService) Register(ctx context.Context, p RegisterParams) (*domain.Account, error) {
	ctx, span := tracer.Start(ctx, "accounts.register")
	defer span.End()

	acct, err := s.register(ctx, p)
	if err != nil {
		failSpan(span, err)
		return nil, err
	}

	accountsRegisteredTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("account.id", acct.ID))
	observability.WithTraceID(ctx, s.logger).InfoContext(ctx, "accounts.registered", "account_id", acct.ID)
	return acct, nil
}

func (s *AccountService) register(ctx context.Context, p RegisterParams) (*domain.Account, error) {
	claims, err := s.validator.Validate(p.Ticket)
	if err != nil {
		return nil, err
	}

	email, err := s.normalizer.NormalizeEmail(p.Email)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}

	hash, err := s.hasher.Hash(p.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	acct := domain.Account{
		ID:           domain.GenerateAccountID().String(),
		Email:        email,
		Phone:        claims.Subject,
		Name:         name,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.credentials.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &acct, nil
}
