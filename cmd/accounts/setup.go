package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/aelexs/wacrm/internal/accounts/adapter"
	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/accounts/port"
	"github.com/aelexs/wacrm/internal/config"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/dynamo"
	"github.com/aelexs/wacrm/internal/otp"
	"github.com/aelexs/wacrm/internal/password"
	"github.com/aelexs/wacrm/internal/redis"
	"github.com/aelexs/wacrm/internal/server"
	"github.com/aelexs/wacrm/internal/ticket"
)

// devKeyID names the ephemeral signing key generated for local runs.
const devKeyID = "dev-key-001"

// infra holds the lazily created infrastructure clients shared by the
// adapters.
type infra struct {
	cfg    *config.Config
	redis  *redis.Client
	aws    *aws.Config
	dynamo *dynamo.Client
}

func (in *infra) redisClient(ctx context.Context) (*redis.Client, error) {
	if in.redis != nil {
		return in.redis, nil
	}
	c := redis.NewClient(redis.Config{
		Addr:         in.cfg.Redis.Addr,
		Password:     in.cfg.Redis.Password.Expose(),
		DB:           in.cfg.Redis.DB,
		ReadTimeout:  in.cfg.Redis.Timeout,
		WriteTimeout: in.cfg.Redis.Timeout,
	})
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	in.redis = c
	return c, nil
}

func (in *infra) awsConfig(ctx context.Context) (aws.Config, error) {
	if in.aws != nil {
		return *in.aws, nil
	}
	awsCfg, err := dynamo.LoadAWSConfig(ctx, dynamo.Config{
		Endpoint: in.cfg.AWS.Endpoint,
		Region:   in.cfg.AWS.Region,
		Timeout:  in.cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return aws.Config{}, err
	}
	in.aws = &awsCfg
	return awsCfg, nil
}

func (in *infra) dynamoClient(ctx context.Context) (*dynamo.Client, error) {
	if in.dynamo != nil {
		return in.dynamo, nil
	}
	endpoint := in.cfg.DynamoDB.Endpoint
	if endpoint == "" {
		endpoint = in.cfg.AWS.Endpoint
	}
	c, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: endpoint,
		Region:   in.cfg.AWS.Region,
		Timeout:  in.cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, err
	}
	in.dynamo = c
	return c, nil
}

// endpointOverride points an AWS service client at LocalStack when an
// endpoint is configured.
func endpointOverride(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return &endpoint
}

func (in *infra) close() error {
	if in.redis != nil {
		return in.redis.Close()
	}
	return nil
}

// setup is the accounts service composition root. It picks adapters per
// configuration, wires the services, and returns the HTTP router.
func setup(ctx context.Context, deps server.SetupDeps) (http.Handler, server.Cleanup, error) {
	cfg := deps.Config
	logger := deps.Logger
	clock := domain.RealClock{}
	in := &infra{cfg: cfg}

	handler, limiter, err := build(ctx, in, clock, logger)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("accounts setup: %w", err), in.close())
	}

	limiterDone := make(chan struct{})
	go func() {
		defer close(limiterDone)
		limiter.Run(ctx)
	}()

	logger.InfoContext(ctx, "accounts service initialized",
		slog.String("store", cfg.Store.Backend),
		slog.String("credentials", cfg.Credentials.Backend),
		slog.String("delivery", cfg.Delivery.Provider),
	)

	cleanup := func(cctx context.Context) error {
		select {
		case <-limiterDone:
		case <-cctx.Done():
		}
		return in.close()
	}
	return handler, cleanup, nil
}

func build(ctx context.Context, in *infra, clock domain.Clock, logger *slog.Logger) (http.Handler, *port.IPRateLimiter, error) {
	cfg := in.cfg

	store, cooldowns, err := createStore(ctx, in, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("create verification store: %w", err)
	}

	credentials, err := createCredentialStore(ctx, in, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("create credential store: %w", err)
	}

	gateway, err := createGateway(ctx, in, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create delivery gateway: %w", err)
	}

	notifier, err := createNotifier(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create notifier: %w", err)
	}

	secrets, err := loadSecrets(ctx, in, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load secrets: %w", err)
	}

	normalizer := domain.NewNormalizer(cfg.Identity.CountryCode, cfg.Identity.TrunkPrefix)
	normalizer.FoldEmailLocalPart = cfg.Identity.FoldEmailLocalPart

	verifier := app.NewVerificationService(app.VerificationServiceConfig{
		Store:       store,
		Credentials: credentials,
		Limiter:     cooldowns,
		Gateway:     gateway,
		Normalizer:  normalizer,
		Policy: app.Policy{
			RecoveryTTL:      cfg.OTP.RecoveryTTL,
			PhoneTTL:         cfg.OTP.PhoneTTL,
			ResendCooldown:   cfg.OTP.ResendCooldown,
			MaxAttempts:      cfg.OTP.MaxAttempts,
			LockoutDuration:  cfg.OTP.LockoutDuration,
			OperationTimeout: cfg.OTP.OperationTimeout,
		},
		Clock:   clock,
		Pepper:  secrets.Pepper,
		AppName: cfg.Accounts.AppName,
		Logger:  logger,
	})

	svc := app.NewAccountService(app.AccountServiceConfig{
		Verifier:    verifier,
		Credentials: credentials,
		Hasher:      password.New(cfg.Password.HashCost, cfg.Password.MinLength),
		Minter: ticket.NewMinter(ticket.MinterConfig{
			KeyStore: secrets.Keys,
			TTL:      cfg.Ticket.TTL,
			Issuer:   cfg.Ticket.Issuer,
			Audience: cfg.Ticket.Audience,
			Clock:    clock,
		}),
		Validator: ticket.NewValidator(ticket.ValidatorConfig{
			KeyStore: secrets.Keys,
			Issuer:   cfg.Ticket.Issuer,
			Audience: cfg.Ticket.Audience,
			Clock:    clock,
		}),
		Notifier:   notifier,
		Normalizer: normalizer,
		Clock:      clock,
		Logger:     logger,
	})

	limiter := port.NewIPRateLimiter(rate.Limit(cfg.Accounts.IPRate), cfg.Accounts.IPBurst, clock, logger)
	router := port.NewRouter(port.RouterConfig{
		Handler:     port.NewHandler(svc, logger),
		Limiter:     limiter,
		CORSOrigins: cfg.Accounts.CORSOrigins,
	})
	return router, limiter, nil
}

// createStore returns the verification store and the cooldown limiter.
// Durable stores keep cooldowns and lockouts in Redis.
func createStore(ctx context.Context, in *infra, clock domain.Clock) (app.VerificationStore, app.CooldownLimiter, error) {
	switch in.cfg.Store.Backend {
	case config.BackendRedis:
		rc, err := in.redisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return adapter.NewRedisVerificationStore(rc.RDB), adapter.NewRedisCooldownLimiter(rc.RDB), nil

	case config.BackendDynamoDB:
		dc, err := in.dynamoClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		rc, err := in.redisClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return adapter.NewDynamoVerificationStore(dc.DB, in.cfg.DynamoDB.VerificationTable), adapter.NewRedisCooldownLimiter(rc.RDB), nil

	default:
		return adapter.NewMemoryVerificationStore(), adapter.NewMemoryCooldownLimiter(clock), nil
	}
}

func createCredentialStore(ctx context.Context, in *infra, clock domain.Clock) (app.CredentialStore, error) {
	if in.cfg.Credentials.Backend == config.BackendDynamoDB {
		dc, err := in.dynamoClient(ctx)
		if err != nil {
			return nil, err
		}
		return adapter.NewDynamoCredentialStore(dc.DB, in.cfg.DynamoDB.AccountsTable, clock), nil
	}
	return adapter.NewMemoryCredentialStore(clock), nil
}

func createGateway(ctx context.Context, in *infra, logger *slog.Logger) (otp.DeliveryGateway, error) {
	cfg := in.cfg
	switch cfg.Delivery.Provider {
	case config.ProviderWhatsApp:
		return adapter.NewWhatsAppGateway(adapter.WhatsAppConfig{
			BaseURL:       cfg.WhatsApp.BaseURL,
			APIVersion:    cfg.WhatsApp.APIVersion,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			AccessToken:   cfg.WhatsApp.AccessToken,
			HTTPClient: &http.Client{
				Timeout:   cfg.Delivery.Timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		})

	case config.ProviderSNS:
		awsCfg, err := in.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			o.BaseEndpoint = endpointOverride(cfg.AWS.Endpoint)
		})
		return adapter.NewSNSGateway(client), nil

	default:
		logger.Warn("codes are written to the log instead of being delivered")
		return adapter.NewLogGateway(logger), nil
	}
}

func createNotifier(cfg *config.Config, logger *slog.Logger) (app.Notifier, error) {
	if cfg.SMTP.Host == "" {
		return adapter.NewLogNotifier(logger), nil
	}
	smtpCfg := adapter.SMTPConfig{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		Encryption:  cfg.SMTP.Encryption,
		FromAddress: cfg.SMTP.FromAddress,
		FromName:    cfg.SMTP.FromName,
		AppName:     cfg.Accounts.AppName,
	}
	client, err := adapter.NewSMTPClient(smtpCfg)
	if err != nil {
		return nil, err
	}
	return adapter.NewSMTPNotifier(client, smtpCfg)
}

// loadSecrets returns the OTP pepper and ticket keys.
// Local: a configured or random pepper and an ephemeral RSA key pair.
// Elsewhere: Secrets Manager and SSM Parameter Store.
func loadSecrets(ctx context.Context, in *infra, logger *slog.Logger) (*adapter.Secrets, error) {
	cfg := in.cfg
	if cfg.IsLocal() {
		pepper := domain.SecretBytes(cfg.Secrets.DevPepper.Expose())
		if pepper.IsEmpty() {
			buf := make([]byte, adapter.MinPepperBytes)
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("generate dev pepper: %w", err)
			}
			pepper = buf
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development", slog.String("key_id", devKeyID))
		return &adapter.Secrets{Pepper: pepper, Keys: ticket.NewStaticKeyStore(key, devKeyID)}, nil
	}

	awsCfg, err := in.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := endpointOverride(cfg.AWS.Endpoint)
	sm := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) { o.BaseEndpoint = endpoint })
	params := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) { o.BaseEndpoint = endpoint })

	return adapter.LoadSecrets(ctx, sm, params, adapter.SecretsConfig{
		PepperSecretID:   cfg.Secrets.PepperSecretID,
		KeyIDParameter:   cfg.Secrets.KeyIDParameter,
		PublicKeysPath:   cfg.Secrets.PublicKeysPath,
		SigningKeyPrefix: cfg.Secrets.SigningKeyPrefix,
	})
}
