package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNeedsLogin means no usable credential exists and the user must complete
// the login flow again.
var ErrNeedsLogin = errors.New("no valid credential; complete login via /auth/login")

// ErrNoPendingLogin means ExchangeCode was called without a prior BeginLogin.
var ErrNoPendingLogin = errors.New("no pending login session")

// refreshFailWindow is how long a failed refresh keeps failing callers
// immediately before another attempt is allowed.
const refreshFailWindow = 5 * time.Second

// Manager caches the current credential in memory, refreshes it on demand and
// holds the single pending PKCE session. Concurrent callers that observe an
// expired token coalesce onto one refresh.
type Manager struct {
	store *TokenStore
	auth  *PKCEAuthenticator
	now   func() time.Time

	mu       sync.Mutex
	cred     Credential
	loaded   bool
	lastFail time.Time
	session  *Session

	refresh singleflight.Group
}

// NewManager creates a Manager over the given store and authenticator.
func NewManager(store *TokenStore, auth *PKCEAuthenticator) *Manager {
	return &Manager{store: store, auth: auth, now: time.Now}
}

// BeginLogin starts a fresh PKCE session, superseding any pending one, and
// returns the authorize URL.
func (m *Manager) BeginLogin() (string, error) {
	authorizeURL, sess, err := m.auth.BeginLogin()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.session = &sess
	m.mu.Unlock()
	return authorizeURL, nil
}

// ExchangeCode completes the pending login with the pasted code and installs
// the resulting credential.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNoPendingLogin
	}
	cred, err := m.auth.Exchange(ctx, *sess, code)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return m.Install(cred)
}

// Current returns a bearer token valid now, refreshing if needed. It returns
// ErrNeedsLogin when no credential exists or the refresh was rejected.
func (m *Manager) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.loadLocked()
	cred := m.cred
	failedAt := m.lastFail
	m.mu.Unlock()

	if cred.Valid(m.now()) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrNeedsLogin
	}
	if !failedAt.IsZero() && m.now().Sub(failedAt) < refreshFailWindow {
		return "", ErrNeedsLogin
	}

	v, err, _ := m.refresh.Do("refresh", func() (any, error) {
		fresh, err := m.auth.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			m.mu.Lock()
			m.lastFail = m.now()
			m.mu.Unlock()
			return nil, err
		}
		if err := m.Install(fresh); err != nil {
			return nil, err
		}
		return fresh.AccessToken, nil
	})
	if err != nil {
		var rejected *RefreshFailedError
		if errors.As(err, &rejected) {
			return "", fmt.Errorf("%w: %v", ErrNeedsLogin, err)
		}
		return "", err
	}
	return v.(string), nil
}

// Install replaces the cached credential and persists it atomically.
func (m *Manager) Install(cred Credential) error {
	if err := m.store.Save(cred); err != nil {
		return err
	}
	m.mu.Lock()
	m.cred = cred
	m.loaded = true
	m.lastFail = time.Time{}
	m.mu.Unlock()
	return nil
}

// Invalidate expires the cached access token so the next Current forces a
// refresh. Called after an upstream 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.loadLocked()
	m.cred.ExpiresAt = 0
	m.lastFail = time.Time{}
	m.mu.Unlock()
}

// Clear drops the cached credential and removes the stored file.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.cred = Credential{}
	m.loaded = true
	m.lastFail = time.Time{}
	m.session = nil
	m.mu.Unlock()
	return m.store.Clear()
}

// Status reports the stored credential's presence and expiry without exposing
// token material.
func (m *Manager) Status() (present bool, expiresAt int64, expired bool) {
	m.mu.Lock()
	m.loadLocked()
	cred := m.cred
	m.mu.Unlock()
	if cred.AccessToken == "" {
		return false, 0, false
	}
	return true, cred.ExpiresAt, !cred.Valid(m.now())
}

// loadLocked lazily hydrates the cache from disk. Callers hold m.mu.
func (m *Manager) loadLocked() {
	if m.loaded {
		return
	}
	if cred, err := m.store.Load(); err == nil {
		m.cred = cred
	}
	m.loaded = true
}
