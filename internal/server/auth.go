// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token authentication on the API.
type AuthConfig struct {
	// Enabled requires a valid token on every /v1 request.
	Enabled bool

	// Secret is the signing key for HS256 tokens. Either Secret or
	// PublicKey must be set when Enabled.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs issued tokens. Optional, only needed for token
	// generation.
	PrivateKey ed25519.PrivateKey

	// Issuer is the expected issuer claim.
	Issuer string

	// ClockSkew tolerates clock drift on exp/nbf validation.
	ClockSkew time.Duration

	// TokenTTL bounds issued token lifetime.
	TokenTTL time.Duration
}

// Claims are the token claims issued and accepted by the server.
type Claims struct {
	jwt.RegisteredClaims

	// Subject names the submitting client.
	ClientID string `json:"client_id,omitempty"`
}

// extractBearerToken pulls the token out of the Authorization header.
// The prefix match is case-insensitive per RFC 6750.
func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(auth, bearerPrefix) && !strings.HasPrefix(auth, "bearer ") {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(auth[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}

	return token, nil
}

// ValidateToken parses and verifies a token string.
func ValidateToken(tokenString string, cfg AuthConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(cfg.ClockSkew),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}

	return claims, nil
}

// GenerateToken issues a signed token for a client. EdDSA is preferred
// when a private key is configured, HS256 otherwise.
func GenerateToken(clientID string, cfg AuthConfig) (string, error) {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		ClientID: clientID,
	}

	switch {
	case cfg.PrivateKey != nil:
		token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		signed, err := token.SignedString(cfg.PrivateKey)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return signed, nil
	case len(cfg.Secret) > 0:
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(cfg.Secret)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		return signed, nil
	default:
		return "", fmt.Errorf("no signing key configured")
	}
}

// requireAuth wraps a handler with bearer-token validation.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.Auth.Enabled {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if _, err := ValidateToken(token, s.cfg.Auth); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	}
}
