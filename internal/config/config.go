// Package config provides configuration loading using koanf.
// Precedence: environment variables, then an optional .env file, then
// compiled defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/wacrm/internal/domain"
)

// Backend and provider names accepted by the selector keys.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"

	ProviderWhatsApp = "whatsapp"
	ProviderSNS      = "sns"
	ProviderLog      = "log"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Accounts    AccountsConfig    `koanf:"accounts"`
	OTP         OTPConfig         `koanf:"otp"`
	Identity    IdentityConfig    `koanf:"identity"`
	Ticket      TicketConfig      `koanf:"ticket"`
	Password    PasswordConfig    `koanf:"password"`
	Store       StoreConfig       `koanf:"store"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Delivery    DeliveryConfig    `koanf:"delivery"`

	DynamoDB DynamoDBConfig `koanf:"dynamodb"`
	Redis    RedisConfig    `koanf:"redis"`
	AWS      AWSConfig      `koanf:"aws"`
	WhatsApp WhatsAppConfig `koanf:"whatsapp"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	Secrets  SecretsConfig  `koanf:"secrets"`

	OTEL OTELConfig `koanf:"otel"`
}

// AccountsConfig holds the HTTP surface of the accounts service.
type AccountsConfig struct {
	HTTPPort    int      `koanf:"http_port"`
	AppName     string   `koanf:"app_name"`
	CORSOrigins []string `koanf:"cors_origins"`
	IPRate      float64  `koanf:"ip_rate"` // requests per second per client IP
	IPBurst     int      `koanf:"ip_burst"`
}

// OTPConfig holds the verification policy.
type OTPConfig struct {
	RecoveryTTL      time.Duration `koanf:"recovery_ttl"`
	PhoneTTL         time.Duration `koanf:"phone_ttl"`
	ResendCooldown   time.Duration `koanf:"resend_cooldown"`
	MaxAttempts      int           `koanf:"max_attempts"`
	LockoutDuration  time.Duration `koanf:"lockout_duration"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
}

// IdentityConfig drives phone and e-mail normalization.
type IdentityConfig struct {
	CountryCode        string `koanf:"country_code"`
	TrunkPrefix        string `koanf:"trunk_prefix"`
	FoldEmailLocalPart bool   `koanf:"fold_email_local_part"`
}

// TicketConfig holds registration ticket settings.
type TicketConfig struct {
	TTL      time.Duration `koanf:"ttl"`
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
}

// PasswordConfig holds the password policy.
type PasswordConfig struct {
	MinLength int `koanf:"min_length"`
	HashCost  int `koanf:"hash_cost"`
}

// StoreConfig selects the verification store and cooldown limiter backend.
type StoreConfig struct {
	Backend string `koanf:"backend"`
}

// CredentialsConfig selects the account store backend.
type CredentialsConfig struct {
	Backend string `koanf:"backend"`
}

// DeliveryConfig selects the code delivery gateway.
type DeliveryConfig struct {
	Provider string        `koanf:"provider"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DynamoDBConfig holds DynamoDB configuration.
type DynamoDBConfig struct {
	Endpoint          string        `koanf:"endpoint"` // Empty for production (uses default AWS endpoint)
	Timeout           time.Duration `koanf:"timeout"`
	VerificationTable string        `koanf:"verification_table"`
	AccountsTable     string        `koanf:"accounts_table"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string              `koanf:"addr"`
	Password domain.SecretString `koanf:"password"`
	DB       int                 `koanf:"db"`
	Timeout  time.Duration       `koanf:"timeout"`
}

// AWSConfig holds AWS SDK configuration.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"` // LocalStack endpoint for development
}

// WhatsAppConfig holds WhatsApp Cloud API settings.
type WhatsAppConfig struct {
	BaseURL       string              `koanf:"base_url"`
	APIVersion    string              `koanf:"api_version"`
	PhoneNumberID string              `koanf:"phone_number_id"`
	AccessToken   domain.SecretString `koanf:"access_token"`
}

// SMTPConfig holds the password-change notifier settings. An empty Host
// selects the log notifier.
type SMTPConfig struct {
	Host        string              `koanf:"host"`
	Port        int                 `koanf:"port"`
	Username    string              `koanf:"username"`
	Password    domain.SecretString `koanf:"password"`
	Encryption  string              `koanf:"encryption"` // "tls", "ssl" or "none"
	FromAddress string              `koanf:"from_address"`
	FromName    string              `koanf:"from_name"`
}

// SecretsConfig locates the OTP pepper and ticket keys outside local runs.
type SecretsConfig struct {
	PepperSecretID   string `koanf:"pepper_secret_id"`
	KeyIDParameter   string `koanf:"key_id_parameter"`
	PublicKeysPath   string `koanf:"public_keys_path"`
	SigningKeyPrefix string `koanf:"signing_key_prefix"`
	// DevPepper replaces the Secrets Manager pepper in local runs. Empty
	// means a random pepper per process.
	DevPepper domain.SecretString `koanf:"dev_pepper"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint    string `koanf:"endpoint"` // Empty disables OTLP export
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// defaults returns a Config with compiled default values.
func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Accounts: AccountsConfig{
			HTTPPort: 8080,
			AppName:  "WhatsApp CRM",
			IPRate:   5,
			IPBurst:  10,
		},
		OTP: OTPConfig{
			RecoveryTTL:      domain.RecoveryCodeTTL,
			PhoneTTL:         domain.PhoneCodeTTL,
			ResendCooldown:   domain.ResendCooldown,
			MaxAttempts:      domain.MaxCodeAttempts,
			LockoutDuration:  domain.LockoutDuration,
			OperationTimeout: domain.OperationTimeout,
		},
		Identity: IdentityConfig{
			CountryCode:        "60",
			TrunkPrefix:        "0",
			FoldEmailLocalPart: true,
		},
		Ticket: TicketConfig{
			TTL:      domain.RegistrationTicketTTL,
			Issuer:   "wacrm-accounts",
			Audience: "wacrm-registration",
		},
		Password: PasswordConfig{
			MinLength: domain.MinPasswordLength,
			HashCost:  domain.PasswordHashCost,
		},
		Store:       StoreConfig{Backend: BackendMemory},
		Credentials: CredentialsConfig{Backend: BackendMemory},
		Delivery: DeliveryConfig{
			Provider: ProviderLog,
			Timeout:  domain.DeliveryTimeout,
		},

		DynamoDB: DynamoDBConfig{
			Timeout:           domain.DynamoDBTimeout,
			VerificationTable: "otp_verifications",
			AccountsTable:     "accounts",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			DB:      0,
			Timeout: domain.RedisTimeout,
		},
		AWS: AWSConfig{
			Region: "ap-southeast-1",
		},
		WhatsApp: WhatsAppConfig{
			BaseURL:    "https://graph.facebook.com",
			APIVersion: "v21.0",
		},
		SMTP: SMTPConfig{
			Port:       587,
			Encryption: "tls",
			FromName:   "WhatsApp CRM",
		},
		Secrets: SecretsConfig{
			PepperSecretID:   "wacrm/otp/pepper",
			KeyIDParameter:   "/wacrm/ticket/current-key-id",
			PublicKeysPath:   "/wacrm/ticket/public-keys/",
			SigningKeyPrefix: "wacrm/ticket/signing-key/",
		},
	}
}

// sections lists the nested config blocks. An environment variable whose
// first segment names a section maps that segment to a koanf path level;
// the rest of the name stays a single key (OTP_RESEND_COOLDOWN becomes
// otp.resend_cooldown).
var sections = []string{
	"accounts", "otp", "identity", "ticket", "password", "store",
	"credentials", "delivery", "dynamodb", "redis", "aws", "whatsapp",
	"smtp", "secrets", "otel",
}

func envKey(s string) string {
	s = strings.ToLower(s)
	head, rest, ok := strings.Cut(s, "_")
	if ok && slices.Contains(sections, head) {
		return head + "." + rest
	}
	return s
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. dotenvFiles, or ".env" when none are given; a missing file is skipped
// 3. Compiled defaults (lowest)
//
// Required keys missing for the selected backends fail with
// domain.ErrConfigRequired.
func Load(ctx context.Context, dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	k := koanf.New(".")
	cfg := defaults()

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Accounts.CORSOrigins = splitList(cfg.Accounts.CORSOrigins)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitList expands comma-separated entries, which is how list values
// arrive from a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func required(key string) error {
	return fmt.Errorf("%w: %s", domain.ErrConfigRequired, key)
}

func unsupported(key, value string) error {
	return fmt.Errorf("%s %q is not supported: %w", key, value, domain.ErrInvalidInput)
}

// validate checks backend selections and the keys each one needs.
func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return required("redis.addr")
		}
	case BackendDynamoDB:
		if cfg.DynamoDB.VerificationTable == "" {
			return required("dynamodb.verification_table")
		}
		if cfg.Redis.Addr == "" {
			// Cooldowns and lockouts live in Redis for every durable backend.
			return required("redis.addr")
		}
	default:
		return unsupported("store.backend", cfg.Store.Backend)
	}

	switch cfg.Credentials.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if cfg.DynamoDB.AccountsTable == "" {
			return required("dynamodb.accounts_table")
		}
	default:
		return unsupported("credentials.backend", cfg.Credentials.Backend)
	}

	switch cfg.Delivery.Provider {
	case ProviderLog, ProviderSNS:
	case ProviderWhatsApp:
		if cfg.WhatsApp.PhoneNumberID == "" {
			return required("whatsapp.phone_number_id")
		}
		if cfg.WhatsApp.AccessToken.IsEmpty() {
			return required("whatsapp.access_token")
		}
	default:
		return unsupported("delivery.provider", cfg.Delivery.Provider)
	}

	if cfg.SMTP.Host != "" && cfg.SMTP.FromAddress == "" {
		return required("smtp.from_address")
	}

	if cfg.IsLocal() {
		return nil
	}

	// Outside local runs codes must survive restarts and reach a real phone.
	if cfg.Store.Backend == BackendMemory {
		return required("store.backend")
	}
	if cfg.Credentials.Backend == BackendMemory {
		return required("credentials.backend")
	}
	if cfg.Delivery.Provider == ProviderLog {
		return required("delivery.provider")
	}
	if cfg.Secrets.PepperSecretID == "" {
		return required("secrets.pepper_secret_id")
	}
	if cfg.Secrets.KeyIDParameter == "" {
		return required("secrets.key_id_parameter")
	}
	return nil
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
