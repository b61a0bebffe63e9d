package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Method represents the type of authentication
type Method string

const (
	MethodToken Method = "token" // static bearer token checked against a bcrypt hash
	MethodJWT   Method = "jwt"   // HS256 token signed with the shared secret
)

// Scopes granted to a caller. ScopeAll grants every scope.
const (
	ScopeStatus   = "status"
	ScopeUpgrade  = "upgrade"
	ScopeRollback = "rollback"
	ScopeAll      = "*"
)

// Config enables authentication on the agent. With both fields empty every
// request is allowed.
type Config struct {
	// TokenHash is the bcrypt hash of a static bearer token.
	TokenHash string `mapstructure:"token_hash"`
	// JWTSecret verifies HS256 bearer tokens issued by `swapr auth issue`.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// Result represents the result of authentication
type Result struct {
	Method  Method   `json:"method"`
	Subject string   `json:"subject,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Allows reports whether the result carries scope.
func (r *Result) Allows(scope string) bool {
	if r == nil {
		return false
	}
	for _, s := range r.Scopes {
		if s == scope || s == ScopeAll {
			return true
		}
	}
	return false
}

// Claims represents JWT claims
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}
