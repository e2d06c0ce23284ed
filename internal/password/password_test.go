package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/password"
)

func TestValidate(t *testing.T) {
	h := password.New(bcrypt.MinCost, 6)

	tests := []struct {
		name    string
		pw      string
		wantErr bool
	}{
		{"exactly minimum", "abcdef", false},
		{"too short", "abcde", true},
		{"empty", "", true},
		{"multibyte counts characters", "ñññññ", true},
		{"six multibyte characters", "ññññññ", false},
		{"72 bytes", strings.Repeat("a", 72), false},
		{"73 bytes", strings.Repeat("a", 73), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(tt.pw)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrPolicyViolation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHash(t *testing.T) {
	h := password.New(bcrypt.MinCost, 6)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse")))
	assert.ErrorIs(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("battery staple")), bcrypt.ErrMismatchedHashAndPassword)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestHashRejectsPolicyViolation(t *testing.T) {
	_, err := password.New(bcrypt.MinCost, 6).Hash("short")
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)
}

func TestCost(t *testing.T) {
	t.Run("configured cost is used", func(t *testing.T) {
		hash, err := password.New(bcrypt.MinCost+1, 6).Hash("abcdef")
		require.NoError(t, err)
		cost, err := bcrypt.Cost([]byte(hash))
		require.NoError(t, err)
		assert.Equal(t, bcrypt.MinCost+1, cost)
	})

	t.Run("out of range falls back to default", func(t *testing.T) {
		hash, err := password.New(99, 6).Hash("abcdef")
		require.NoError(t, err)
		cost, err := bcrypt.Cost([]byte(hash))
		require.NoError(t, err)
		assert.Equal(t, domain.PasswordHashCost, cost)
	})
}
