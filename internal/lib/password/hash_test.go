package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGetHash(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "regular password", password: "password123"},
		{name: "special chars", password: "p@ssw0rd!@#$%^&*()"},
		{name: "unicode", password: "пароль-провайдера"},
		{name: "longer than bcrypt limit", password: strings.Repeat("a", 80), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := GetHash(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, tt.password, hash)

			cost, err := bcrypt.Cost([]byte(hash))
			require.NoError(t, err)
			assert.Equal(t, bcrypt.DefaultCost, cost)
		})
	}
}

func TestGetHash_Salted(t *testing.T) {
	h1, err := GetHash("same-password")
	require.NoError(t, err)
	h2, err := GetHash("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCompareHash(t *testing.T) {
	hash, err := GetHash("correct-horse")
	require.NoError(t, err)

	t.Run("match", func(t *testing.T) {
		assert.NoError(t, CompareHash(hash, "correct-horse"))
	})

	t.Run("mismatch", func(t *testing.T) {
		err := CompareHash(hash, "wrong-horse")
		assert.ErrorIs(t, err, ErrMismatch)
	})

	t.Run("empty password", func(t *testing.T) {
		assert.ErrorIs(t, CompareHash(hash, ""), ErrMismatch)
	})

	t.Run("malformed hash", func(t *testing.T) {
		err := CompareHash("not-a-bcrypt-hash", "correct-horse")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMismatch)
	})
}

func TestCompareDummy(t *testing.T) {
	assert.NotPanics(t, func() {
		CompareDummy("anything")
		CompareDummy("")
	})
}
