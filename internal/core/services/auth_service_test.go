package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	svc := NewAuthService("secret", time.Hour, "rillcall")

	token, err := svc.GenerateToken("alice")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", string(claims.UserID))

	_, err = NewAuthService("other", time.Hour, "rillcall").ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthService("secret", time.Hour, "someone-else").ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_Expired(t *testing.T) {
	svc := NewAuthService("secret", time.Minute, "")
	issued := time.Now().Add(-time.Hour)
	svc.now = func() time.Time { return issued }
	token, err := svc.GenerateToken("bob")
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestUserFromContext(t *testing.T) {
	_, err := UserFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	id, err := UserFromContext(ContextWithUser(context.Background(), "carol"))
	require.NoError(t, err)
	assert.Equal(t, "carol", string(id))
}
