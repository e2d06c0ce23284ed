package app_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/aelexs/wacrm/internal/accounts/adapter"
	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/domain/domaintest"
	"github.com/aelexs/wacrm/internal/otp"
	"github.com/aelexs/wacrm/internal/password"
	"github.com/aelexs/wacrm/internal/ticket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testStart = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

const (
	testEmail   = "a@b.com"
	testPhone   = "+60123456789"
	testAcctID  = "550e8400-e29b-41d4-a716-446655440000"
	freshPhone  = "+60198765432"
	testAppName = "Acme CRM"
)

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// stubStore wraps the in-memory store so tests can inject failures into
// individual operations while keeping real semantics for the rest.
type stubStore struct {
	*adapter.MemoryVerificationStore
	putFn            func(ctx context.Context, rec otp.Record) error
	getFn            func(ctx context.Context, key string, purpose domain.Purpose) (*otp.Record, error)
	consumeIfMatchFn func(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error)
	checkCodeFn      func(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error)
}

func (s *stubStore) Put(ctx context.Context, rec otp.Record) error {
	if s.putFn != nil {
		return s.putFn(ctx, rec)
	}
	return s.MemoryVerificationStore.Put(ctx, rec)
}

func (s *stubStore) Get(ctx context.Context, key string, purpose domain.Purpose) (*otp.Record, error) {
	if s.getFn != nil {
		return s.getFn(ctx, key, purpose)
	}
	return s.MemoryVerificationStore.Get(ctx, key, purpose)
}

func (s *stubStore) ConsumeIfMatch(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error) {
	if s.consumeIfMatchFn != nil {
		return s.consumeIfMatchFn(ctx, key, purpose, mac, now)
	}
	return s.MemoryVerificationStore.ConsumeIfMatch(ctx, key, purpose, mac, now)
}

func (s *stubStore) CheckCode(ctx context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error) {
	if s.checkCodeFn != nil {
		return s.checkCodeFn(ctx, key, purpose, mac, now)
	}
	return s.MemoryVerificationStore.CheckCode(ctx, key, purpose, mac, now)
}

// stubCredentials wraps the in-memory credential store and counts writes.
type stubCredentials struct {
	*adapter.MemoryCredentialStore
	findByEmailFn func(ctx context.Context, email string) (*domain.Account, error)

	mu          sync.Mutex
	hashUpdates []string
}

func (s *stubCredentials) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if s.findByEmailFn != nil {
		return s.findByEmailFn(ctx, email)
	}
	return s.MemoryCredentialStore.FindByEmail(ctx, email)
}

func (s *stubCredentials) UpdatePasswordHash(ctx context.Context, accountID, hash string) error {
	s.mu.Lock()
	s.hashUpdates = append(s.hashUpdates, hash)
	s.mu.Unlock()
	return s.MemoryCredentialStore.UpdatePasswordHash(ctx, accountID, hash)
}

func (s *stubCredentials) updates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hashUpdates...)
}

// stubLimiter implements app.CooldownLimiter with function fields. The zero
// value allows everything.
type stubLimiter struct {
	checkAndIncrementFn func(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	checkLockoutFn      func(ctx context.Context, key string) (bool, error)
	setLockoutFn        func(ctx context.Context, key string, ttl time.Duration) error
}

func (s *stubLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if s.checkAndIncrementFn != nil {
		return s.checkAndIncrementFn(ctx, key, limit, window)
	}
	return true, nil
}

func (s *stubLimiter) CheckLockout(ctx context.Context, key string) (bool, error) {
	if s.checkLockoutFn != nil {
		return s.checkLockoutFn(ctx, key)
	}
	return false, nil
}

func (s *stubLimiter) SetLockout(ctx context.Context, key string, ttl time.Duration) error {
	if s.setLockoutFn != nil {
		return s.setLockoutFn(ctx, key, ttl)
	}
	return nil
}

type sentMessage struct {
	destination string
	body        string
}

// stubGateway records every message and optionally fails.
type stubGateway struct {
	sendFn func(ctx context.Context, destination, body string) error

	mu   sync.Mutex
	sent []sentMessage
}

func (g *stubGateway) Send(ctx context.Context, destination, body string) error {
	g.mu.Lock()
	g.sent = append(g.sent, sentMessage{destination, body})
	g.mu.Unlock()
	if g.sendFn != nil {
		return g.sendFn(ctx, destination, body)
	}
	return nil
}

func (g *stubGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

// lastCode extracts the code from the most recent message.
func (g *stubGateway) lastCode(t *testing.T) string {
	t.Helper()
	msgs := g.messages()
	require.NotEmpty(t, msgs, "no message was sent")
	m := codePattern.FindStringSubmatch(msgs[len(msgs)-1].body)
	require.Len(t, m, 2, "message carries no code: %q", msgs[len(msgs)-1].body)
	return m[1]
}

// stubNotifier implements app.Notifier.
type stubNotifier struct {
	err error

	mu       sync.Mutex
	notified []domain.Account
}

func (n *stubNotifier) PasswordChanged(_ context.Context, acct domain.Account) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, acct)
	return n.err
}

// testHarness holds all stubs and the constructed services for a test.
type testHarness struct {
	verifier    *app.VerificationService
	accounts    *app.AccountService
	clock       *domaintest.FakeClock
	store       *stubStore
	credentials *stubCredentials
	limiter     *stubLimiter
	gateway     *stubGateway
	notifier    *stubNotifier
	normalizer  domain.Normalizer
	policy      app.Policy
}

type harnessOption func(*app.Policy)

func withTimeout(d time.Duration) harnessOption {
	return func(p *app.Policy) { p.OperationTimeout = d }
}

func newTestHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := ticket.NewStaticKeyStore(key, "test-key-001")

	clock := domaintest.NewFakeClock(testStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	normalizer := domain.NewNormalizer("60", "0")

	policy := app.DefaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	credentials := &stubCredentials{MemoryCredentialStore: adapter.NewMemoryCredentialStore(clock)}
	credentials.Seed(domain.Account{
		ID:           testAcctID,
		Email:        testEmail,
		Phone:        testPhone,
		Name:         "Alice",
		PasswordHash: "old-hash",
		Active:       true,
		CreatedAt:    testStart.Add(-24 * time.Hour),
		UpdatedAt:    testStart.Add(-24 * time.Hour),
	})

	h := &testHarness{
		clock:       clock,
		store:       &stubStore{MemoryVerificationStore: adapter.NewMemoryVerificationStore()},
		credentials: credentials,
		limiter:     &stubLimiter{},
		gateway:     &stubGateway{},
		notifier:    &stubNotifier{},
		normalizer:  normalizer,
		policy:      policy,
	}

	h.verifier = app.NewVerificationService(app.VerificationServiceConfig{
		Store:       h.store,
		Credentials: h.credentials,
		Limiter:     h.limiter,
		Gateway:     h.gateway,
		Normalizer:  normalizer,
		Policy:      policy,
		Clock:       clock,
		Pepper:      domain.SecretBytes("test-pepper-32-bytes-long-ok!!"),
		AppName:     testAppName,
		Logger:      logger,
	})

	h.accounts = app.NewAccountService(app.AccountServiceConfig{
		Verifier:    h.verifier,
		Credentials: h.credentials,
		Hasher:      password.New(bcrypt.MinCost, domain.MinPasswordLength),
		Minter: ticket.NewMinter(ticket.MinterConfig{
			KeyStore: keys, TTL: domain.RegistrationTicketTTL, Issuer: "wacrm", Audience: "wacrm-register", Clock: clock,
		}),
		Validator: ticket.NewValidator(ticket.ValidatorConfig{
			KeyStore: keys, Issuer: "wacrm", Audience: "wacrm-register", Clock: clock,
		}),
		Notifier:   h.notifier,
		Normalizer: normalizer,
		Clock:      clock,
		Logger:     logger,
	})

	return h
}

// recoveryRecord returns the stored record for the test account, if any.
func (h *testHarness) recoveryRecord(t *testing.T) (*otp.Record, error) {
	t.Helper()
	id, err := h.normalizer.Normalize(testEmail, domain.IdentityEmail)
	require.NoError(t, err)
	return h.store.Get(context.Background(), otp.RecordKey(domain.PurposePasswordRecovery, id), domain.PurposePasswordRecovery)
}

// wrongCode returns a well-formed code different from code.
func wrongCode(code string) string {
	if code == "999999" {
		return "000000"
	}
	return "999999"
}
