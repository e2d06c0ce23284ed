package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
)

var _ app.CredentialStore = (*MemoryCredentialStore)(nil)

// MemoryCredentialStore is an in-process CredentialStore for local
// development. Accounts can be seeded with Seed.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	clock   domain.Clock
	byID    map[string]domain.Account
	byEmail map[string]string
	byPhone map[string]string
}

// NewMemoryCredentialStore creates an empty MemoryCredentialStore.
func NewMemoryCredentialStore(clock domain.Clock) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		clock:   clock,
		byID:    make(map[string]domain.Account),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

// Seed inserts accounts, overwriting any with the same ID.
func (s *MemoryCredentialStore) Seed(accts ...domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accts {
		s.put(a)
	}
}

func (s *MemoryCredentialStore) put(a domain.Account) {
	s.byID[a.ID] = a
	if a.Email != "" {
		s.byEmail[a.Email] = a.ID
	}
	if a.Phone != "" {
		s.byPhone[a.Phone] = a.ID
	}
}

func (s *MemoryCredentialStore) FindByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.byEmail, email)
}

func (s *MemoryCredentialStore) FindByPhone(_ context.Context, phone string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(s.byPhone, phone)
}

func (s *MemoryCredentialStore) lookup(index map[string]string, value string) (*domain.Account, error) {
	id, ok := index[value]
	if !ok {
		return nil, fmt.Errorf("memory credentials: find account: %w", domain.ErrNotFound)
	}
	a := s.byID[id]
	return &a, nil
}

func (s *MemoryCredentialStore) UpdatePasswordHash(_ context.Context, accountID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[accountID]
	if !ok {
		return fmt.Errorf("memory credentials: update password: %w", domain.ErrNotFound)
	}
	a.PasswordHash = hash
	a.UpdatedAt = s.clock.Now().UTC()
	s.byID[accountID] = a
	return nil
}

func (s *MemoryCredentialStore) CreateAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; ok {
		return fmt.Errorf("memory credentials: account %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	if _, ok := s.byEmail[a.Email]; ok {
		return fmt.Errorf("memory credentials: email taken: %w", domain.ErrAlreadyExists)
	}
	if _, ok := s.byPhone[a.Phone]; ok {
		return fmt.Errorf("memory credentials: phone taken: %w", domain.ErrAlreadyExists)
	}
	s.put(a)
	return nil
}
