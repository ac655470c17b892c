package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTokenResolver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := TokenConfig{Secret: []byte("s3cret"), Issuer: "rpcbridge", Audience: "bridge", Now: fixedClock(now)}

	t.Run("secret is required", func(t *testing.T) {
		_, err := NewTokenResolver(TokenConfig{})
		assert.Error(t, err)
	})

	t.Run("issued token resolves to identity", func(t *testing.T) {
		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)

		token, err := resolver.Issue("alice", []string{"admin"}, time.Hour)
		require.NoError(t, err)

		identity, err := resolver.ResolveIdentity(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "alice", identity.UserID)
		assert.Equal(t, []string{"admin"}, identity.Roles)
		assert.Equal(t, "rpcbridge", identity.Claims["iss"])
	})

	t.Run("expired token is invalid", func(t *testing.T) {
		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		token, err := resolver.Issue("alice", nil, time.Minute)
		require.NoError(t, err)

		later := cfg
		later.Now = fixedClock(now.Add(2 * time.Minute))
		verifier, err := NewTokenResolver(later)
		require.NoError(t, err)

		_, err = verifier.ResolveIdentity(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret is invalid", func(t *testing.T) {
		issuer, err := NewTokenResolver(TokenConfig{Secret: []byte("other"), Issuer: "rpcbridge", Audience: "bridge", Now: fixedClock(now)})
		require.NoError(t, err)
		token, err := issuer.Issue("alice", nil, time.Hour)
		require.NoError(t, err)

		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		_, err = resolver.ResolveIdentity(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience is invalid", func(t *testing.T) {
		issuer, err := NewTokenResolver(TokenConfig{Secret: cfg.Secret, Issuer: "rpcbridge", Audience: "elsewhere", Now: fixedClock(now)})
		require.NoError(t, err)
		token, err := issuer.Issue("alice", nil, time.Hour)
		require.NoError(t, err)

		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		_, err = resolver.ResolveIdentity(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other signing methods are rejected", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "rpcbridge",
			Audience:  jwt.ClaimStrings{"bridge"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(cfg.Secret)
		require.NoError(t, err)

		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		_, err = resolver.ResolveIdentity(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("token without subject is invalid", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    "rpcbridge",
			Audience:  jwt.ClaimStrings{"bridge"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
		require.NoError(t, err)

		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		_, err = resolver.ResolveIdentity(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage is invalid", func(t *testing.T) {
		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)

		for _, token := range []string{"", "   ", "not.a.jwt"} {
			_, err = resolver.ResolveIdentity(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken, token)
		}
	})

	t.Run("Issue requires a user", func(t *testing.T) {
		resolver, err := NewTokenResolver(cfg)
		require.NoError(t, err)
		_, err = resolver.Issue(" ", nil, time.Hour)
		assert.Error(t, err)
	})
}
