package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.io/infrasutra/voxdesk/internal/store"
)

// ErrNoCredential is returned when the session has no stored grant; the user
// must go through the consent flow again.
var ErrNoCredential = errors.New("no credential for session")

// RefreshError wraps a rejection from the identity provider's token endpoint.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh rejected: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Manager resolves a currently-valid credential for a session, refreshing and
// persisting transparently when the stored one has expired. There is no cache
// in front of the store; every request re-reads it so concurrent processes
// observe refreshed tokens.
type Manager struct {
	store  *store.Store
	oauth  *oauth2.Config
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time
}

func NewManager(st *store.Store, oauthCfg *oauth2.Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		oauth:  oauthCfg,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns a valid token for the session. Concurrent resolves for the
// same session that both observe an expired token share a single refresh call
// and a single store write.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*oauth2.Token, error) {
	cred, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoCredential
		}
		return nil, err
	}

	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		TokenType:    "Bearer",
	}
	if m.now().Before(cred.Expiry) {
		return tok, nil
	}

	fresh, err, shared := m.group.Do(sessionID, func() (any, error) {
		return m.refresh(ctx, sessionID, tok)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("refresh coalesced", "session", sessionID)
	}
	return fresh.(*oauth2.Token), nil
}

func (m *Manager) refresh(ctx context.Context, sessionID string, expired *oauth2.Token) (*oauth2.Token, error) {
	fresh, err := m.oauth.TokenSource(ctx, expired).Token()
	if err != nil {
		m.logger.Error("refresh token", "session", sessionID, "error", err)
		return nil, &RefreshError{Err: err}
	}
	// The provider only returns a refresh token when it rotates one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = expired.RefreshToken
	}
	cred := store.Credential{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}
	if err := m.store.Put(ctx, sessionID, cred); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	m.logger.Info("credential refreshed", "session", sessionID, "expiry", fresh.Expiry)
	return fresh, nil
}
