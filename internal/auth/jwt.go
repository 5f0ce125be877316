// Package auth verifies API clients: JWT bearer tokens minted from
// client credentials, with the four token channels the WebSocket
// handshake accepts (header, subprotocol, cookie, query parameter).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentflow/runner/internal/errs"
)

// Audience identifies tokens minted for the task API; it doubles as the
// WebSocket subprotocol name.
const Audience = "tasks-api"

const issuer = "flowrunner"

// JWTManager signs and validates access tokens.
type JWTManager struct {
	signingKey []byte
	expiry     time.Duration
}

// NewJWTManager creates a manager with the given HMAC signing key.
func NewJWTManager(signingKey string, expiry time.Duration) *JWTManager {
	if expiry == 0 {
		expiry = time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), expiry: expiry}
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate mints an access token for a client.
func (j *JWTManager) Generate(clientID, audience string) (string, int, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(j.signingKey)
	if err != nil {
		return "", 0, fmt.Errorf("sign token: %w", err)
	}
	return signed, int(j.expiry.Seconds()), nil
}

// Validate parses a token and returns the authenticated client context.
func (j *JWTManager) Validate(tokenString string) (*ClientContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.Wrap(errs.KindAuthInvalid, "invalid token", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || c.Subject == "" {
		return nil, errs.New(errs.KindAuthInvalid, "missing subject")
	}
	aud := ""
	if len(c.Audience) > 0 {
		aud = c.Audience[0]
	}
	if aud != Audience {
		return nil, errs.Newf(errs.KindAuthInvalid, "wrong audience %q", aud)
	}
	return &ClientContext{ClientID: c.Subject, Audience: aud}, nil
}
