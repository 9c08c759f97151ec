package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claudeproxy/internal/auth"
	"claudeproxy/internal/ledger"
	"claudeproxy/internal/upstream"
)

type capturingLedger struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (c *capturingLedger) Record(_ context.Context, e ledger.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *capturingLedger) Summary(context.Context) (ledger.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s ledger.Summary
	for _, e := range c.entries {
		s.Requests++
		s.PromptTokens += e.PromptTokens
		s.CompletionTokens += e.CompletionTokens
	}
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	return s, nil
}

func (c *capturingLedger) ListRecent(context.Context, int) ([]ledger.Entry, error) { return nil, nil }
func (c *capturingLedger) Close() error                                            { return nil }

func (c *capturingLedger) last(t *testing.T) ledger.Entry {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		t.Fatalf("no ledger entries recorded")
	}
	return c.entries[len(c.entries)-1]
}

type testEnv struct {
	srv    *httptest.Server
	creds  *auth.Manager
	usage  *capturingLedger
	apiURL string
}

func newTestEnv(t *testing.T, apiHandler, tokenHandler http.Handler) *testEnv {
	t.Helper()
	if tokenHandler == nil {
		tokenHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "refreshed", "refresh_token": "R2", "expires_in": 3600,
			})
		})
	}
	if apiHandler == nil {
		apiHandler = http.NotFoundHandler()
	}
	api := httptest.NewServer(apiHandler)
	t.Cleanup(api.Close)
	tok := httptest.NewServer(tokenHandler)
	t.Cleanup(tok.Close)

	store := auth.NewTokenStore(filepath.Join(t.TempDir(), "tokens.json"))
	authn := auth.NewPKCEAuthenticator(auth.Endpoints{
		AuthorizeBase: "https://claude.ai",
		TokenBase:     tok.URL,
		ClientID:      "client-123",
		RedirectURI:   "https://console.anthropic.com/oauth/code/callback",
		Scope:         "org:create_api_key user:profile user:inference",
	}, nil)
	creds := auth.NewManager(store, authn)

	up := upstream.New(api.URL, "2023-06-01", []string{"oauth-2025-04-20", "claude-code-20250219"}, creds, 0)
	usage := &capturingLedger{}
	server := NewServer(creds, up, usage)
	server.SetDefaults("claude-sonnet-4-0", 4096)
	server.SetRequiredBetas([]string{"oauth-2025-04-20", "claude-code-20250219"})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, creds: creds, usage: usage, apiURL: api.URL}
}

func (e *testEnv) installValid(t *testing.T) {
	t.Helper()
	cred := auth.Credential{AccessToken: "live", RefreshToken: "R", ExpiresAt: time.Now().Unix() + 3600}
	if err := e.creds.Install(cred); err != nil {
		t.Fatalf("install credential: %v", err)
	}
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/auth/login", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /auth/login: %v", err)
	}
	body := decodeBody(t, resp)
	authorizeURL, _ := body["authorize_url"].(string)
	if !strings.Contains(authorizeURL, "code_challenge_method=S256") {
		t.Fatalf("authorize url missing S256: %s", authorizeURL)
	}
	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	state := u.Query().Get("state")

	resp = postJSON(t, env.srv.URL+"/auth/exchange", `{"code":"abc#`+state+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exchange status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/auth/status")
	if err != nil {
		t.Fatalf("GET /auth/status: %v", err)
	}
	status := decodeBody(t, resp)
	if status["present"] != true || status["expired"] != false {
		t.Fatalf("unexpected status %v", status)
	}
	if _, ok := status["expires_in_seconds"].(float64); !ok {
		t.Fatalf("expected expires_in_seconds, got %v", status)
	}
}

func TestExchangeWithoutPendingSession(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := postJSON(t, env.srv.URL+"/auth/exchange", `{"code":"abc"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAuthClear(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/auth/clear", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status %d", resp.StatusCode)
	}

	resp, err := http.Get(env.srv.URL + "/auth/status")
	if err != nil {
		t.Fatalf("GET /auth/status: %v", err)
	}
	status := decodeBody(t, resp)
	if status["present"] != false {
		t.Fatalf("expected credential cleared, got %v", status)
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	var captured map[string]any
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer header")
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &captured)
		w.Write([]byte(`{"content":[{"type":"text","text":"pong"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":1}}`))
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"ping"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)

	choices := body["choices"].([]any)
	choice := choices[0].(map[string]any)
	message := choice["message"].(map[string]any)
	if message["content"] != "pong" {
		t.Fatalf("unexpected content %v", message["content"])
	}
	if choice["finish_reason"] != "stop" {
		t.Fatalf("unexpected finish reason %v", choice["finish_reason"])
	}
	usage := body["usage"].(map[string]any)
	if usage["prompt_tokens"].(float64) != 10 || usage["completion_tokens"].(float64) != 1 || usage["total_tokens"].(float64) != 11 {
		t.Fatalf("unexpected usage %v", usage)
	}

	// the upstream body carries the Claude Code system block first, then the
	// folded system prompt
	system := captured["system"].([]any)
	first := system[0].(map[string]any)
	if !strings.Contains(first["text"].(string), "Claude Code") {
		t.Fatalf("missing claude code block: %v", system)
	}
	second := system[1].(map[string]any)
	if second["text"] != "be brief" {
		t.Fatalf("system prompt not folded: %v", system)
	}

	entry := env.usage.last(t)
	if entry.Memo != "chat.completions" || entry.PromptTokens != 10 || entry.CompletionTokens != 1 {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
}

const upstreamHelloStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4-0\",\"usage\":{\"input_tokens\":8}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"content_block\":{\"type\":\"text\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"he\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"llo\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\"}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestChatCompletionsStream(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, upstreamHelloStream)
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %s", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(raw)
	if !strings.HasSuffix(text, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with DONE sentinel: %q", text[len(text)-40:])
	}

	var chunks []map[string]any
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("parse chunk %q: %v", line, err)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}

	delta := func(i int) map[string]any {
		choice := chunks[i]["choices"].([]any)[0].(map[string]any)
		return choice["delta"].(map[string]any)
	}
	if delta(0)["role"] != "assistant" {
		t.Fatalf("first chunk must prime the role: %v", chunks[0])
	}
	if delta(1)["content"] != "he" || delta(2)["content"] != "llo" {
		t.Fatalf("unexpected deltas: %v %v", delta(1), delta(2))
	}
	finalChoice := chunks[3]["choices"].([]any)[0].(map[string]any)
	if finalChoice["finish_reason"] != "stop" {
		t.Fatalf("unexpected finish reason %v", finalChoice["finish_reason"])
	}

	entry := env.usage.last(t)
	if entry.Memo != "chat.completions(stream)" || entry.PromptTokens != 8 || entry.CompletionTokens != 2 {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
}

func TestChatCompletions401Retry(t *testing.T) {
	var calls atomic.Int64
	var bearers []string
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearers = append(bearers, r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"user","content":"ping"}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly two upstream calls, got %d", calls.Load())
	}
	if bearers[0] != "Bearer live" || bearers[1] != "Bearer refreshed" {
		t.Fatalf("unexpected bearers %v", bearers)
	}
}

func TestChatCompletionsRefreshFailure(t *testing.T) {
	var apiCalls atomic.Int64
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
	})
	failingToken := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	env := newTestEnv(t, api, failingToken)
	expired := auth.Credential{AccessToken: "stale", RefreshToken: "R", ExpiresAt: time.Now().Unix() - 10}
	if err := env.creds.Install(expired); err != nil {
		t.Fatalf("install: %v", err)
	}

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"user","content":"ping"}]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	if !strings.Contains(errObj["message"].(string), "/auth/login") {
		t.Fatalf("401 must direct user to /auth/login: %v", errObj)
	}
	if apiCalls.Load() != 0 {
		t.Fatalf("no upstream call expected, got %d", apiCalls.Load())
	}
}

func TestChatCompletionsInvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"assistant","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	errObj := body["error"].(map[string]any)
	if errObj["type"] != "invalid_request_error" {
		t.Fatalf("unexpected error type %v", errObj)
	}
}

func TestChatCompletionsRateLimitPassthrough(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"user","content":"ping"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "12" {
		t.Fatalf("retry-after not preserved")
	}
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("rate_limit_error")) {
		t.Fatalf("upstream body not preserved: %s", raw)
	}
}

func TestMessagesPassthrough(t *testing.T) {
	var captured map[string]any
	var beta string
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		beta = r.Header.Get("anthropic-beta")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &captured)
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":5,"output_tokens":2}}`))
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-0","max_tokens":100,"system":"keep calm","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],"top_k":0}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", "my-beta")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/messages: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	system := captured["system"].([]any)
	first := system[0].(map[string]any)
	if !strings.Contains(first["text"].(string), "Claude Code") {
		t.Fatalf("claude code block not injected: %v", system)
	}
	second := system[1].(map[string]any)
	if second["text"] != "keep calm" {
		t.Fatalf("client system prompt lost: %v", system)
	}
	if _, present := captured["top_k"]; present {
		t.Fatalf("invalid top_k should be dropped")
	}
	if !strings.Contains(beta, "oauth-2025-04-20") || !strings.Contains(beta, "my-beta") {
		t.Fatalf("beta header not merged: %s", beta)
	}

	entry := env.usage.last(t)
	if entry.Memo != "messages" || entry.PromptTokens != 5 || entry.CompletionTokens != 2 {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
}

func TestMessagesPassthroughStream(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, upstreamHelloStream)
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/messages",
		`{"model":"claude-sonnet-4-0","max_tokens":100,"stream":true,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(raw) != upstreamHelloStream {
		t.Fatalf("stream bytes not relayed verbatim")
	}
}

func TestModelsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp, err := http.Get(env.srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET /v1/models: %v", err)
	}
	body := decodeBody(t, resp)
	if body["object"] != "list" {
		t.Fatalf("unexpected object %v", body["object"])
	}
	data := body["data"].([]any)
	if len(data) == 0 {
		t.Fatalf("expected at least one model")
	}
	first := data[0].(map[string]any)
	if first["owned_by"] != "anthropic" || first["object"] != "model" {
		t.Fatalf("unexpected model entry %v", first)
	}
}

func TestUsageSummaryEndpoint(t *testing.T) {
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[{"type":"text","text":"pong"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":1}}`))
	})
	env := newTestEnv(t, api, nil)
	env.installValid(t)

	resp := postJSON(t, env.srv.URL+"/v1/chat/completions",
		`{"model":"claude-sonnet-4-0","messages":[{"role":"user","content":"ping"}]}`)
	resp.Body.Close()

	resp, err := http.Get(env.srv.URL + "/usage/summary")
	if err != nil {
		t.Fatalf("GET /usage/summary: %v", err)
	}
	body := decodeBody(t, resp)
	if body["requests"].(float64) != 1 || body["total_tokens"].(float64) != 11 {
		t.Fatalf("unexpected summary %v", body)
	}
}
