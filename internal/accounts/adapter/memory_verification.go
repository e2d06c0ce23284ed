package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/otp"
)

var _ app.VerificationStore = (*MemoryVerificationStore)(nil)

type recordID struct {
	key     string
	purpose domain.Purpose
}

// MemoryVerificationStore keeps verification records in process memory. A
// single mutex serializes every operation, which gives key-level atomicity
// trivially. Suitable for local development and single-replica deployments.
type MemoryVerificationStore struct {
	mu      sync.Mutex
	records map[recordID]otp.Record
}

// NewMemoryVerificationStore creates an empty MemoryVerificationStore.
func NewMemoryVerificationStore() *MemoryVerificationStore {
	return &MemoryVerificationStore{records: make(map[recordID]otp.Record)}
}

func (s *MemoryVerificationStore) Put(_ context.Context, rec otp.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordID{rec.Key, rec.Purpose}] = rec
	return nil
}

func (s *MemoryVerificationStore) Get(_ context.Context, key string, purpose domain.Purpose) (*otp.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID{key, purpose}]
	if !ok {
		return nil, fmt.Errorf("memory store: get record: %w", domain.ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryVerificationStore) Delete(_ context.Context, key string, purpose domain.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordID{key, purpose})
	return nil
}

func (s *MemoryVerificationStore) ConsumeIfMatch(_ context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordID{key, purpose}
	rec, ok := s.records[id]
	if !ok || !usable(rec, now) || !otp.EqualMAC(rec.CodeMAC, mac) {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *MemoryVerificationStore) CheckCode(_ context.Context, key string, purpose domain.Purpose, mac string, now time.Time) (otp.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordID{key, purpose}
	rec, ok := s.records[id]
	if !ok || !usable(rec, now) {
		return otp.CheckResult{}, fmt.Errorf("memory store: check code: %w", domain.ErrNotFound)
	}
	if otp.EqualMAC(rec.CodeMAC, mac) {
		return otp.CheckResult{Matched: true, AttemptsRemaining: rec.AttemptsRemaining}, nil
	}

	rec.AttemptsRemaining--
	if rec.AttemptsRemaining <= 0 {
		delete(s.records, id)
		return otp.CheckResult{}, nil
	}
	s.records[id] = rec
	return otp.CheckResult{AttemptsRemaining: rec.AttemptsRemaining}, nil
}

func usable(rec otp.Record, now time.Time) bool {
	return !rec.Expired(now) && rec.AttemptsRemaining > 0
}

// Len returns the number of records held, expired ones included.
func (s *MemoryVerificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
