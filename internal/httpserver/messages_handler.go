package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"claudeproxy/internal/auth"
	"claudeproxy/internal/httpserver/anthropic"
	"claudeproxy/internal/upstream"
)

// handleAnthropicMessages forwards a native Messages body with the OAuth
// bearer. The body passes through except for the Claude Code system block,
// parameter sanitization and the merged beta header.
func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
		return
	}
	var req map[string]any
	if err := json.Unmarshal(raw, &req); err != nil {
		s.respondAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	anthropic.InjectClaudeCodeSystem(req)
	anthropic.SanitizeRequest(req)
	beta := anthropic.MergeBetas(s.requiredBetas, r.Header.Get("anthropic-beta"))

	payload, err := json.Marshal(req)
	if err != nil {
		s.respondAnthropicError(w, http.StatusInternalServerError, "api_error", "encode upstream request")
		return
	}
	model, _ := req["model"].(string)
	if stream, _ := req["stream"].(bool); stream {
		s.relayMessagesStream(w, r, reqStart, model, payload, beta)
		return
	}

	body, header, err := s.upstream.SendMessages(r.Context(), payload, beta)
	if err != nil {
		s.respondMessagesFailure(w, err)
		s.infof("messages model=%s total_ms=%d error=%v", model, time.Since(reqStart).Milliseconds(), err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	var parsed struct {
		Usage anthropic.NativeUsage `json:"usage"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		s.recordUsage(model, int64(parsed.Usage.InputTokens), int64(parsed.Usage.OutputTokens), "messages")
	}
	s.infof("messages model=%s status=200 total_ms=%d upstream_request_id=%s",
		model, time.Since(reqStart).Milliseconds(), upstreamRequestID(header))
}

// relayMessagesStream copies upstream SSE bytes to the client verbatim,
// flushing per read so events arrive as they are produced.
func (s *Server) relayMessagesStream(w http.ResponseWriter, r *http.Request, reqStart time.Time, model string, payload []byte, beta string) {
	resp, err := s.upstream.StreamMessages(r.Context(), payload, beta)
	if err != nil {
		s.respondMessagesFailure(w, err)
		s.infof("messages.stream model=%s total_ms=%d error=%v", model, time.Since(reqStart).Milliseconds(), err)
		return
	}
	defer resp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondAnthropicError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			break
		}
	}
	s.infof("messages.stream model=%s total_ms=%d", model, time.Since(reqStart).Milliseconds())
}

// respondMessagesFailure is the Anthropic-envelope counterpart of
// respondUpstreamFailure for the native endpoint.
func (s *Server) respondMessagesFailure(w http.ResponseWriter, err error) {
	var ue *upstream.Error
	switch {
	case errors.Is(err, auth.ErrNeedsLogin):
		s.respondAnthropicError(w, http.StatusUnauthorized, "authentication_error",
			"no valid credential; complete login at /auth/login")
	case errors.Is(err, upstream.ErrAuthExpired):
		s.respondAnthropicError(w, http.StatusUnauthorized, "authentication_error",
			"upstream rejected the credential after refresh; log in again at /auth/login")
	case errors.As(err, &ue):
		if ue.RetryAfter != "" {
			w.Header().Set("Retry-After", ue.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Status)
		_, _ = w.Write(ue.Body)
	case errors.Is(err, upstream.ErrUnreachable):
		s.respondAnthropicError(w, http.StatusBadGateway, "api_error", "upstream unreachable")
	default:
		s.respondAnthropicError(w, http.StatusInternalServerError, "api_error", err.Error())
	}
}

func (s *Server) respondAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	s.respondJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}
