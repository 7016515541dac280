// Package auth issues and validates the bearer tokens that guard the admin
// endpoints.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ScopeAdmin is the only scope currently granted.
const ScopeAdmin = "admin"

// Issuer is set on every token.
const Issuer = "guessguard"

// Claims represents the JWT payload of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// JWTService handles JWT generation and validation.
type JWTService struct {
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewJWTService creates a JWT service with the given signing secret and token TTL.
func NewJWTService(secret []byte, ttl time.Duration, logger *slog.Logger) (*JWTService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt: secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("jwt: ttl must be positive, got %v", ttl)
	}
	return &JWTService{
		secret: secret,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// TTL returns the configured token lifetime.
func (s *JWTService) TTL() time.Duration {
	return s.ttl
}

// Generate creates a signed admin token for subject.
func (s *JWTService) Generate(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("jwt: subject is required")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Scope: ScopeAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	s.logger.Debug("admin_token_issued",
		"subject", subject,
		"token_id", claims.ID,
		"expires_at", claims.ExpiresAt.Time,
		"component", "auth",
	)
	return signed, nil
}

// Validate parses and validates a JWT string, returning the claims if valid.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("jwt: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("jwt: invalid token claims")
	}
	if claims.Scope != ScopeAdmin {
		return nil, fmt.Errorf("jwt: scope %q not allowed", claims.Scope)
	}

	return claims, nil
}

// GenerateSecret creates a cryptographically random secret of the given byte length.
func GenerateSecret(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return b, nil
}

type adminContextKey struct{}

// WithAdmin stores validated claims in the context.
func WithAdmin(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, adminContextKey{}, claims)
}

// AdminFromContext returns the claims stored by WithAdmin, or nil.
func AdminFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(adminContextKey{}).(*Claims)
	return claims
}
