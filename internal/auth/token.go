package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// TokenAuthenticator validates static admin tokens from request headers.
type TokenAuthenticator struct {
	tokenHashes  [][]byte
	tokenToRoles map[string][]Role
}

// NewTokenAuthenticator creates a new token authenticator.
func NewTokenAuthenticator(config *Config) *TokenAuthenticator {
	a := &TokenAuthenticator{
		tokenToRoles: make(map[string][]Role),
	}

	for _, token := range config.Tokens {
		a.tokenHashes = append(a.tokenHashes, hashToken(token))

		if roles, ok := config.TokenRoles[token]; ok {
			a.tokenToRoles[token] = roles
		} else {
			a.tokenToRoles[token] = []Role{RoleOperator}
		}
	}

	return a
}

// Authenticate extracts and validates the admin token from the request.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*User, error) {
	token := a.extractToken(r)
	if token == "" {
		return nil, ErrMissingCredentials
	}

	if !a.validateToken(token) {
		return nil, ErrInvalidCredentials
	}

	roles := a.tokenToRoles[token]
	if roles == nil {
		roles = []Role{RoleOperator}
	}

	return &User{
		ID:    hex.EncodeToString(hashToken(token))[:16],
		Roles: roles,
	}, nil
}

func (a *TokenAuthenticator) extractToken(r *http.Request) string {
	if token := r.Header.Get("X-Admin-Token"); token != "" {
		return token
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimPrefix(auth, bearerPrefix)
	}

	return ""
}

// validateToken compares the hash of the presented token against every
// configured hash in constant time.
func (a *TokenAuthenticator) validateToken(token string) bool {
	presented := hashToken(token)
	valid := false
	for _, h := range a.tokenHashes {
		if hmac.Equal(presented, h) {
			valid = true
		}
	}
	return valid
}

func hashToken(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}
