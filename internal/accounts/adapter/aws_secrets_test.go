package adapter

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/wacrm/internal/domain"
)

// --- Stubs ---

type stubSMClient struct {
	getSecretValueFn func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

func (s *stubSMClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return s.getSecretValueFn(ctx, params, optFns...)
}

type stubSSMClient struct {
	getParameterFn        func(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	getParametersByPathFn func(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

func (s *stubSSMClient) GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
	return s.getParameterFn(ctx, params, optFns...)
}

func (s *stubSSMClient) GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
	return s.getParametersByPathFn(ctx, params, optFns...)
}

// --- Helpers ---

type pemKeyPair struct {
	key     *rsa.PrivateKey
	privPEM string
	pubPEM  string
}

var (
	keyPairsOnce sync.Once
	keyPairs     [2]pemKeyPair
)

// testKeyPairs generates two RSA key pairs once per test binary.
func testKeyPairs(t *testing.T) [2]pemKeyPair {
	t.Helper()
	keyPairsOnce.Do(func() {
		for i := range keyPairs {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
			if err != nil {
				panic(err)
			}
			keyPairs[i] = pemKeyPair{
				key:     key,
				privPEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
				pubPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
			}
		}
	})
	return keyPairs
}

var testPepper = strings.Repeat("p", MinPepperBytes)

// newSecretStubs returns stubs serving the pepper, key "k2" as the signing
// key and both "k1" and "k2" as verification keys, split over two pages.
func newSecretStubs(t *testing.T) (*stubSMClient, *stubSSMClient) {
	t.Helper()
	pairs := testKeyPairs(t)
	cfg := DefaultSecretsConfig()

	sm := &stubSMClient{
		getSecretValueFn: func(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			switch aws.ToString(params.SecretId) {
			case cfg.PepperSecretID:
				return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(testPepper)}, nil
			case cfg.SigningKeyPrefix + "k2":
				return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(pairs[1].privPEM)}, nil
			}
			return nil, fmt.Errorf("unexpected secret ID: %s", aws.ToString(params.SecretId))
		},
	}

	ssm := &stubSSMClient{
		getParameterFn: func(_ context.Context, params *awsssm.GetParameterInput, _ ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
			require.Equal(t, cfg.KeyIDParameter, aws.ToString(params.Name))
			return &awsssm.GetParameterOutput{
				Parameter: &ssmtypes.Parameter{Name: params.Name, Value: aws.String("k2")},
			}, nil
		},
		getParametersByPathFn: func(_ context.Context, params *awsssm.GetParametersByPathInput, _ ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
			if params.NextToken == nil {
				return &awsssm.GetParametersByPathOutput{
					Parameters: []ssmtypes.Parameter{{Name: aws.String(cfg.PublicKeysPath + "k1"), Value: aws.String(pairs[0].pubPEM)}},
					NextToken:  aws.String("page-2"),
				}, nil
			}
			return &awsssm.GetParametersByPathOutput{
				Parameters: []ssmtypes.Parameter{{Name: aws.String(cfg.PublicKeysPath + "k2"), Value: aws.String(pairs[1].pubPEM)}},
			}, nil
		},
	}
	return sm, ssm
}

// --- Tests ---

func TestLoadSecrets(t *testing.T) {
	pairs := testKeyPairs(t)
	sm, ssm := newSecretStubs(t)

	secrets, err := LoadSecrets(context.Background(), sm, ssm, DefaultSecretsConfig())
	require.NoError(t, err)

	assert.Equal(t, []byte(testPepper), secrets.Pepper.Expose())

	key, kid, err := secrets.Keys.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, "k2", kid)
	assert.True(t, pairs[1].key.Equal(key))

	prev, err := secrets.Keys.PublicKey("k1")
	require.NoError(t, err, "rotated-out key still verifies")
	assert.True(t, pairs[0].key.PublicKey.Equal(prev))
}

func TestLoadSecrets_Failures(t *testing.T) {
	cfg := DefaultSecretsConfig()

	tests := []struct {
		name    string
		mutate  func(sm *stubSMClient, ssm *stubSSMClient)
		wantErr error
		substr  string
	}{
		{
			name: "short pepper",
			mutate: func(sm *stubSMClient, _ *stubSSMClient) {
				inner := sm.getSecretValueFn
				sm.getSecretValueFn = func(ctx context.Context, p *secretsmanager.GetSecretValueInput, o ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
					if aws.ToString(p.SecretId) == cfg.PepperSecretID {
						return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("short")}, nil
					}
					return inner(ctx, p, o...)
				}
			},
			wantErr: domain.ErrConfigRequired,
			substr:  "pepper",
		},
		{
			name: "key id missing",
			mutate: func(_ *stubSMClient, ssm *stubSSMClient) {
				ssm.getParameterFn = func(context.Context, *awsssm.GetParameterInput, ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
					return &awsssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{}}, nil
				}
			},
			substr: "has no value",
		},
		{
			name: "ssm unavailable",
			mutate: func(_ *stubSMClient, ssm *stubSSMClient) {
				ssm.getParameterFn = func(context.Context, *awsssm.GetParameterInput, ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error) {
					return nil, errors.New("access denied")
				}
			},
			substr: "access denied",
		},
		{
			name: "malformed public key",
			mutate: func(_ *stubSMClient, ssm *stubSSMClient) {
				ssm.getParametersByPathFn = func(context.Context, *awsssm.GetParametersByPathInput, ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error) {
					return &awsssm.GetParametersByPathOutput{
						Parameters: []ssmtypes.Parameter{{Name: aws.String(cfg.PublicKeysPath + "bad"), Value: aws.String("not pem")}},
					}, nil
				}
			},
			substr: `kid "bad"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, ssm := newSecretStubs(t)
			tt.mutate(sm, ssm)

			_, err := LoadSecrets(context.Background(), sm, ssm, cfg)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestParseRSAPrivateKey_PKCS8(t *testing.T) {
	pairs := testKeyPairs(t)
	der, err := x509.MarshalPKCS8PrivateKey(pairs[0].key)
	require.NoError(t, err)

	key, err := parseRSAPrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
	require.NoError(t, err)
	assert.True(t, pairs[0].key.Equal(key))

	_, err = parseRSAPrivateKey("garbage")
	assert.Error(t, err)
}
