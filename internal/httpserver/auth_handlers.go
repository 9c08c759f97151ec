package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"claudeproxy/internal/auth"
)

const loginPage = `<!DOCTYPE html>
<html>
<head><title>Anthropic OAuth login</title></head>
<body>
<h1>Log in with your Anthropic account</h1>
<p>1. Open the authorization page:</p>
<p><a href="%s" target="_blank">%s</a></p>
<p>2. Approve access, then paste the code shown on the callback page:</p>
<form method="post" action="/auth/exchange">
<input type="text" name="code" size="80" placeholder="code#state" autofocus>
<button type="submit">Exchange</button>
</form>
</body>
</html>
`

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	authorizeURL, err := s.creds.BeginLogin()
	if err != nil {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "could not start login")
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		escaped := html.EscapeString(authorizeURL)
		fmt.Fprintf(w, loginPage, escaped, escaped)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"authorize_url": authorizeURL})
}

func (s *Server) handleAuthExchange(w http.ResponseWriter, r *http.Request) {
	code, err := readExchangeCode(r)
	if err != nil {
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	err = s.creds.ExchangeCode(r.Context(), code)
	var rejected *auth.CodeRejectedError
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, auth.ErrNoPendingLogin), errors.Is(err, auth.ErrStateMismatch):
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.As(err, &rejected):
		s.respondOpenAIError(w, http.StatusBadGateway, "api_error", rejected.Error())
	default:
		s.respondOpenAIError(w, http.StatusBadGateway, "api_error", "code exchange failed")
	}
}

func readExchangeCode(r *http.Request) (string, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return "", errors.New("malformed JSON body")
		}
		if strings.TrimSpace(body.Code) == "" {
			return "", errors.New("code is required")
		}
		return body.Code, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("malformed form body")
	}
	code := strings.TrimSpace(r.FormValue("code"))
	if code == "" {
		return "", errors.New("code is required")
	}
	return code, nil
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	present, expiresAt, expired := s.creds.Status()
	payload := map[string]any{
		"present":    present,
		"expired":    expired,
		"expires_at": nil,
	}
	if present {
		payload["expires_at"] = time.Unix(expiresAt, 0).UTC().Format(time.RFC3339)
		if !expired {
			payload["expires_in_seconds"] = expiresAt - time.Now().Unix()
		}
	}
	s.respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleAuthClear(w http.ResponseWriter, r *http.Request) {
	if err := s.creds.Clear(); err != nil {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "could not clear credential")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
