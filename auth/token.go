// Package auth resolves callers from JWT access tokens and decides access
// with ACL rules loaded from YAML.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/rpcbridge/messaging"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification. The dispatcher
// treats such callers as anonymous.
var ErrInvalidToken = messaging.ErrInvalidToken

// TokenConfig defines how access tokens are signed and verified
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// accessClaims is the claims type used for JWT parsing
type accessClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenResolver verifies HS256 access tokens
type TokenResolver struct {
	cfg TokenConfig
}

// NewTokenResolver creates a resolver. The secret must not be empty.
func NewTokenResolver(cfg TokenConfig) (*TokenResolver, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: token secret is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TokenResolver{cfg: cfg}, nil
}

// ResolveIdentity implements messaging.IdentityResolver
func (r *TokenResolver) ResolveIdentity(ctx context.Context, token string) (*messaging.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	if r.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(r.cfg.Audience))
	}

	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	identity := &messaging.Identity{
		UserID: claims.Subject,
		Roles:  claims.Roles,
		Claims: map[string]any{
			"iss": claims.Issuer,
			"jti": claims.ID,
		},
	}
	if claims.ExpiresAt != nil {
		identity.Claims["exp"] = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// Issue signs a token for userID valid for ttl
func (r *TokenResolver) Issue(userID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id is required")
	}
	now := r.cfg.Now().UTC()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	if r.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{r.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.cfg.Secret)
}
