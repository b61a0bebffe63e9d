// Package auth authenticates callers of the swapr agent with bearer tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultIssuer = "swapr"

// Service verifies bearer tokens and issues JWTs.
type Service struct {
	tokenHash []byte
	jwtSecret []byte
	issuer    string
	now       func() time.Time
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	s := &Service{issuer: cfg.Issuer, now: time.Now}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if cfg.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.TokenHash)); err != nil {
			return nil, fmt.Errorf("server.auth.token_hash is not a bcrypt hash: %w", err)
		}
		s.tokenHash = []byte(cfg.TokenHash)
	}
	if cfg.JWTSecret != "" {
		if len(cfg.JWTSecret) < 32 {
			return nil, errors.New("server.auth.jwt_secret must be at least 32 bytes")
		}
		s.jwtSecret = []byte(cfg.JWTSecret)
	}
	return s, nil
}

// Enabled reports whether any credential is configured.
func (s *Service) Enabled() bool {
	return s != nil && (len(s.tokenHash) > 0 || len(s.jwtSecret) > 0)
}

// Authenticate checks a bearer token. Tokens that parse as JWTs are verified
// with the shared secret; anything else is compared with the token hash.
func (s *Service) Authenticate(token string) (*Result, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	if len(s.jwtSecret) > 0 && strings.Count(token, ".") == 2 {
		return s.authenticateJWT(token)
	}
	if len(s.tokenHash) == 0 {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Method: MethodToken, Scopes: []string{ScopeAll}}, nil
}

func (s *Service) authenticateJWT(tokenString string) (*Result, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return &Result{Method: MethodJWT, Subject: claims.Subject, Scopes: claims.Scopes}, nil
}

// Issue signs a JWT for subject with the given scopes.
func (s *Service) Issue(subject string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	if len(s.jwtSecret) == 0 {
		return "", time.Time{}, errors.New("server.auth.jwt_secret is not configured")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("token ttl must be positive")
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   subject,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// GenerateToken returns a random 32-byte token, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash to store in server.auth.token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
