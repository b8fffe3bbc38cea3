package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionTokens signs and verifies browser session tokens. Browser sessions
// ride the same channel as agent sessions but authenticate with a JWT
// minted after the paired device vouches for them.
type SessionTokens struct {
	secret []byte
	expiry time.Duration
}

// NewSessionTokens builds the JWT helper. An empty secret disables browser
// sessions; Generate and Validate then fail closed.
func NewSessionTokens(secret string, expiry time.Duration) *SessionTokens {
	return &SessionTokens{secret: []byte(secret), expiry: expiry}
}

// SessionClaims carries the device binding inside a browser token.
type SessionClaims struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	jwt.RegisteredClaims
}

// Generate issues a signed token bound to a device and user.
func (s *SessionTokens) Generate(deviceID, userID string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("device and user ids required")
	}
	claims := SessionClaims{
		DeviceID: deviceID,
		UserID:   userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a token and returns its claims.
func (s *SessionTokens) Validate(token string) (*SessionClaims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
