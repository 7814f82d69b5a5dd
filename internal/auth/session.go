package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const cookieName = "voxdesk_session"

// Manager issues and verifies HMAC-signed session tokens. The payload is an
// opaque session id; the credential record lives in the store under that id.
type Manager struct {
	secret []byte
	maxAge time.Duration
}

func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Issue creates a signed token for a fresh session id.
func (m *Manager) Issue(now time.Time) (sessionID, token string, err error) {
	sessionID = uuid.NewString()
	token, err = m.IssueFor(sessionID, now)
	return sessionID, token, err
}

// IssueFor signs a token for an existing session id.
func (m *Manager) IssueFor(sessionID string, now time.Time) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("session id is required")
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	payload := sessionID + "|" + timestamp
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Parse verifies a token and returns the session id it carries.
func (m *Manager) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", errors.New("missing session token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", errors.New("invalid session token")
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", errors.New("invalid session token")
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", errors.New("invalid session token")
	}
	issuedAt := time.Unix(timestamp, 0)
	if now.Sub(issuedAt) > m.maxAge {
		return "", errors.New("session expired")
	}
	if parts[0] == "" {
		return "", errors.New("invalid session token")
	}
	return parts[0], nil
}

// State derives the OAuth state parameter for a session so the callback can
// confirm it belongs to the browser that started the flow.
func (m *Manager) State(sessionID string) string {
	return m.sign("state|" + sessionID)
}

func (m *Manager) VerifyState(sessionID, state string) bool {
	return hmac.Equal([]byte(m.State(sessionID)), []byte(state))
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
