// Package auth issues and validates session tokens and resolves the calling
// user for HTTP handlers.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnauthenticated means no valid credential was presented.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrTokenExpired    = errors.New("auth: token expired")
)

// Manager signs session tokens of the form
// base64(user_id|expiry).base64(hmac-sha256).
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: manager requires non-empty secret")
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken issues a signed session token for userID. A zero ttl means 24h.
func (m *Manager) IssueToken(userID int64, ttl time.Duration) (string, error) {
	if userID <= 0 {
		return "", errors.New("auth: user id must be positive")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	expires := m.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%d|%d", userID, expires)
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken verifies the signature and expiry and returns the user id.
func (m *Manager) ValidateToken(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: invalid token format", ErrUnauthenticated)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid token payload", ErrUnauthenticated)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid token signature", ErrUnauthenticated)
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return 0, fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}
	uid, exp, ok := strings.Cut(string(payloadBytes), "|")
	if !ok {
		return 0, fmt.Errorf("%w: invalid payload", ErrUnauthenticated)
	}
	userID, err := strconv.ParseInt(uid, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: invalid user id", ErrUnauthenticated)
	}
	expiry, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid expiry", ErrUnauthenticated)
	}
	if m.now().Unix() > expiry {
		return 0, fmt.Errorf("%w: %w", ErrUnauthenticated, ErrTokenExpired)
	}
	return userID, nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
