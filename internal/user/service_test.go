package user

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return ss
}

func TestValidateTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, "test-secret")

	ss := signToken(t, "test-secret", Claims{
		ID:       42,
		Username: "tutor42",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tutorchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, username, err := svc.ValidateToken(ss)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Equal(t, "tutor42", username)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc := NewService(nil, "test-secret")
	ss := signToken(t, "other-secret", Claims{ID: 1, Username: "x"})

	_, _, err := svc.ValidateToken(ss)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	svc := NewService(nil, "test-secret")
	ss := signToken(t, "test-secret", Claims{
		ID:       1,
		Username: "x",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	_, _, err := svc.ValidateToken(ss)
	assert.Error(t, err)
}
