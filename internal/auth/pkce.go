package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Endpoints configures the OAuth endpoints and client identity. No secrets
// are compiled in; PKCE makes the client public.
type Endpoints struct {
	AuthorizeBase string
	TokenBase     string
	ClientID      string
	RedirectURI   string
	Scope         string
}

// Session holds the PKCE material for one pending login. It is consumed
// exactly once by Exchange.
type Session struct {
	Verifier  string
	Challenge string
	State     string
}

// ErrStateMismatch means the pasted code carried a state that does not match
// the pending session.
var ErrStateMismatch = errors.New("authorization state mismatch")

// CodeRejectedError is a non-2xx reply to the authorization_code exchange.
type CodeRejectedError struct {
	Status int
	Body   string
}

func (e *CodeRejectedError) Error() string {
	return fmt.Sprintf("code exchange rejected: status %d: %s", e.Status, e.Body)
}

// RefreshFailedError is a non-2xx reply to the refresh_token exchange.
type RefreshFailedError struct {
	Status int
	Body   string
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed: status %d: %s", e.Status, e.Body)
}

// minExpirySkew is subtracted from expires_in so tokens are renewed before
// the upstream clock considers them dead.
const minExpirySkew = 60 * time.Second

// PKCEAuthenticator builds authorize URLs and exchanges authorization codes
// and refresh tokens against the token endpoint.
type PKCEAuthenticator struct {
	endpoints Endpoints
	client    *http.Client
	now       func() time.Time
}

// NewPKCEAuthenticator creates an authenticator. A nil client gets a default
// with a 30 second timeout.
func NewPKCEAuthenticator(ep Endpoints, client *http.Client) *PKCEAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PKCEAuthenticator{endpoints: ep, client: client, now: time.Now}
}

// BeginLogin generates fresh PKCE material and returns the authorize URL the
// user must visit together with the session to complete later.
func (a *PKCEAuthenticator) BeginLogin() (string, Session, error) {
	verifier, err := randomURLSafe(48)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate verifier: %w", err)
	}
	state, err := randomURLSafe(24)
	if err != nil {
		return "", Session{}, fmt.Errorf("generate state: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("client_id", a.endpoints.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", a.endpoints.RedirectURI)
	q.Set("scope", a.endpoints.Scope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)

	authorizeURL := strings.TrimRight(a.endpoints.AuthorizeBase, "/") + "/oauth/authorize?" + q.Encode()
	return authorizeURL, Session{Verifier: verifier, Challenge: challenge, State: state}, nil
}

// Exchange posts the pasted code to the token endpoint. The code may arrive
// as "code#state"; when the delimiter is present the state half must match
// the session.
func (a *PKCEAuthenticator) Exchange(ctx context.Context, sess Session, code string) (Credential, error) {
	code = strings.TrimSpace(code)
	if idx := strings.Index(code, "#"); idx >= 0 {
		if code[idx+1:] != sess.State {
			return Credential{}, ErrStateMismatch
		}
		code = code[:idx]
	}
	if code == "" {
		return Credential{}, errors.New("empty authorization code")
	}
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  a.endpoints.RedirectURI,
		"client_id":     a.endpoints.ClientID,
		"code_verifier": sess.Verifier,
	}
	tok, status, body, err := a.postToken(ctx, payload)
	if err != nil {
		return Credential{}, err
	}
	if status < 200 || status >= 300 {
		return Credential{}, &CodeRejectedError{Status: status, Body: body}
	}
	return a.credentialFrom(tok, "")
}

// Refresh mints a new credential from a refresh token.
func (a *PKCEAuthenticator) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	if refreshToken == "" {
		return Credential{}, errors.New("empty refresh token")
	}
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     a.endpoints.ClientID,
	}
	tok, status, body, err := a.postToken(ctx, payload)
	if err != nil {
		return Credential{}, err
	}
	if status < 200 || status >= 300 {
		return Credential{}, &RefreshFailedError{Status: status, Body: body}
	}
	return a.credentialFrom(tok, refreshToken)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (a *PKCEAuthenticator) postToken(ctx context.Context, payload map[string]string) (tokenResponse, int, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return tokenResponse{}, 0, "", fmt.Errorf("encode token request: %w", err)
	}
	endpoint := strings.TrimRight(a.endpoints.TokenBase, "/") + "/v1/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return tokenResponse{}, 0, "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return tokenResponse{}, 0, "", fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, 0, "", fmt.Errorf("read token response: %w", err)
	}
	var tok tokenResponse
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, &tok); err != nil {
			return tokenResponse{}, 0, "", fmt.Errorf("decode token response: %w", err)
		}
	}
	return tok, resp.StatusCode, string(body), nil
}

func (a *PKCEAuthenticator) credentialFrom(tok tokenResponse, fallbackRefresh string) (Credential, error) {
	if tok.AccessToken == "" {
		return Credential{}, errors.New("token response missing access_token")
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	if refresh == "" {
		return Credential{}, errors.New("token response missing refresh_token")
	}
	lifetime := time.Duration(tok.ExpiresIn) * time.Second
	if lifetime > minExpirySkew {
		lifetime -= minExpirySkew
	}
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    a.now().Add(lifetime).Unix(),
	}, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
