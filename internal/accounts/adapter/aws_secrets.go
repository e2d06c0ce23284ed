package adapter

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/ticket"
)

// smClient is the narrow consumer-defined interface for Secrets Manager operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

// MinPepperBytes is the shortest pepper LoadSecrets accepts.
const MinPepperBytes = 32

// SecretsConfig names where LoadSecrets finds each secret.
type SecretsConfig struct {
	// PepperSecretID is the Secrets Manager secret holding the OTP MAC pepper.
	PepperSecretID string
	// KeyIDParameter is the SSM parameter holding the active ticket key ID.
	KeyIDParameter string
	// PublicKeysPath is the SSM path under which each verification key is
	// stored as {path}{kid} in PKIX PEM.
	PublicKeysPath string
	// SigningKeyPrefix prefixes the key ID to form the Secrets Manager name of
	// the PEM private key.
	SigningKeyPrefix string
}

// DefaultSecretsConfig returns the standard secret locations.
func DefaultSecretsConfig() SecretsConfig {
	return SecretsConfig{
		PepperSecretID:   "wacrm/otp/pepper",
		KeyIDParameter:   "/wacrm/ticket/current-key-id",
		PublicKeysPath:   "/wacrm/ticket/public-keys/",
		SigningKeyPrefix: "wacrm/ticket/signing-key/",
	}
}

// Secrets is what the service needs from AWS at startup.
type Secrets struct {
	Pepper domain.SecretBytes
	Keys   *ticket.StaticKeyStore
}

// LoadSecrets fetches the OTP pepper and the ticket keys. It runs once at
// startup; the service must not start without them.
func LoadSecrets(ctx context.Context, sm smClient, ssm ssmClient, cfg SecretsConfig) (*Secrets, error) {
	pepper, err := loadPepper(ctx, sm, cfg.PepperSecretID)
	if err != nil {
		return nil, err
	}

	keyIDOut, err := ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(cfg.KeyIDParameter),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching current key ID from SSM: %w", err)
	}
	if keyIDOut.Parameter == nil || aws.ToString(keyIDOut.Parameter.Value) == "" {
		return nil, fmt.Errorf("SSM parameter %s has no value", cfg.KeyIDParameter)
	}
	keyID := aws.ToString(keyIDOut.Parameter.Value)

	secretName := cfg.SigningKeyPrefix + keyID
	secretOut, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching signing key %q from Secrets Manager: %w", secretName, err)
	}
	if secretOut.SecretString == nil {
		return nil, fmt.Errorf("signing key %q has no secret string", secretName)
	}
	privateKey, err := parseRSAPrivateKey(*secretOut.SecretString)
	if err != nil {
		return nil, fmt.Errorf("parsing private key for key ID %q: %w", keyID, err)
	}

	keys := ticket.NewStaticKeyStore(privateKey, keyID)
	publicKeys, err := loadPublicKeys(ctx, ssm, cfg.PublicKeysPath)
	if err != nil {
		return nil, err
	}
	for kid, pk := range publicKeys {
		if kid == keyID {
			continue
		}
		keys.AddPublicKey(kid, pk)
	}

	return &Secrets{Pepper: pepper, Keys: keys}, nil
}

func loadPepper(ctx context.Context, sm smClient, secretID string) (domain.SecretBytes, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pepper %q from Secrets Manager: %w", secretID, err)
	}

	var pepper []byte
	switch {
	case out.SecretBinary != nil:
		pepper = out.SecretBinary
	case out.SecretString != nil:
		pepper = []byte(*out.SecretString)
	}
	if len(pepper) < MinPepperBytes {
		return nil, fmt.Errorf("pepper %q shorter than %d bytes: %w", secretID, MinPepperBytes, domain.ErrConfigRequired)
	}
	return domain.SecretBytes(pepper), nil
}

// loadPublicKeys reads every parameter under path, following pagination.
// The key ID is the parameter name without the path prefix.
func loadPublicKeys(ctx context.Context, client ssmClient, path string) (map[string]*rsa.PublicKey, error) {
	publicKeys := make(map[string]*rsa.PublicKey)
	var next *string
	for {
		out, err := client.GetParametersByPath(ctx, &awsssm.GetParametersByPathInput{
			Path:      aws.String(path),
			Recursive: aws.Bool(true),
			NextToken: next,
		})
		if err != nil {
			return nil, fmt.Errorf("GetParametersByPath %q: %w", path, err)
		}
		for _, param := range out.Parameters {
			if param.Name == nil || param.Value == nil {
				continue
			}
			kid := strings.TrimPrefix(*param.Name, path)
			pk, err := parseRSAPublicKey(*param.Value)
			if err != nil {
				return nil, fmt.Errorf("parsing public key for kid %q: %w", kid, err)
			}
			publicKeys[kid] = pk
		}
		if aws.ToString(out.NextToken) == "" {
			return publicKeys, nil
		}
		next = out.NextToken
	}
}

// parseRSAPrivateKey parses a PEM-encoded RSA private key in PKCS#1
// (RSA PRIVATE KEY) or PKCS#8 (PRIVATE KEY) form.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
		}
		return key, nil
	}

	keyIface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
	}
	rsaKey, ok := keyIface.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is not RSA (got %T)", keyIface)
	}
	return rsaKey, nil
}

// parseRSAPublicKey parses a PEM-encoded RSA public key in PKIX format.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key data")
	}

	keyIface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKIX public key: %w", err)
	}
	rsaKey, ok := keyIface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PKIX key is not RSA (got %T)", keyIface)
	}
	return rsaKey, nil
}
