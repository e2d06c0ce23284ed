// Package ticket mints and validates registration tickets: short-lived RS256
// JWTs proving that the bearer verified ownership of a phone number.
package ticket

import (
	"crypto/rsa"
	"fmt"
	"sync"
)

// KeyStore provides the ticket signing key and the public keys that may
// verify tickets (the current one plus any still within rotation).
type KeyStore interface {
	SigningKey() (*rsa.PrivateKey, string, error)
	PublicKey(kid string) (*rsa.PublicKey, error)
}

// StaticKeyStore is a KeyStore backed by in-memory keys. Local development
// generates one at startup; production fills one from Secrets Manager.
type StaticKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	keyID      string
	publicKeys map[string]*rsa.PublicKey
}

// NewStaticKeyStore creates a StaticKeyStore with a single key pair.
func NewStaticKeyStore(privateKey *rsa.PrivateKey, keyID string) *StaticKeyStore {
	s := &StaticKeyStore{
		privateKey: privateKey,
		keyID:      keyID,
		publicKeys: make(map[string]*rsa.PublicKey),
	}
	if privateKey != nil {
		s.publicKeys[keyID] = &privateKey.PublicKey
	}
	return s
}

func (s *StaticKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key available")
	}
	return s.privateKey, s.keyID, nil
}

func (s *StaticKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.publicKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// AddPublicKey registers a verification-only key, e.g. the previous signing
// key during rotation.
func (s *StaticKeyStore) AddPublicKey(kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publicKeys[kid] = key
}
