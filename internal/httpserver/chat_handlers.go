package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"claudeproxy/internal/httpserver/anthropic"
	"claudeproxy/internal/ledger"
	"claudeproxy/internal/openai"
)

const maxRequestBody = 10 << 20

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.defaultModel
	}
	native, err := anthropic.ConvertChatToNative(req, s.defaultMaxTokens)
	if err != nil {
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	beta := anthropic.MergeBetas(s.requiredBetas, r.Header.Get("anthropic-beta"))

	if req.Stream {
		s.streamChatCompletion(w, r, reqStart, req, native, beta)
		return
	}

	payload, err := anthropic.EncodeWithClaudeCode(native)
	if err != nil {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "encode upstream request")
		return
	}
	body, header, err := s.upstream.SendMessages(r.Context(), payload, beta)
	if err != nil {
		s.respondUpstreamFailure(w, err)
		s.infof("chat.completions model=%s total_ms=%d error=%v", req.Model, time.Since(reqStart).Milliseconds(), err)
		return
	}
	var nativeResp anthropic.NativeResponse
	if err := json.Unmarshal(body, &nativeResp); err != nil {
		s.respondOpenAIError(w, http.StatusBadGateway, "api_error", "malformed upstream response")
		return
	}
	resp := anthropic.ConvertNativeToOpenAIResponse(nativeResp, req.Model)
	s.respondJSON(w, http.StatusOK, resp)
	s.recordUsage(req.Model, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), "chat.completions")
	s.infof("chat.completions model=%s status=200 total_ms=%d upstream_request_id=%s",
		req.Model, time.Since(reqStart).Milliseconds(), upstreamRequestID(header))
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, reqStart time.Time, req openai.ChatCompletionRequest, native anthropic.NativeRequest, beta string) {
	native.Stream = true
	payload, err := anthropic.EncodeWithClaudeCode(native)
	if err != nil {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "encode upstream request")
		return
	}
	resp, err := s.upstream.StreamMessages(r.Context(), payload, beta)
	if err != nil {
		s.respondUpstreamFailure(w, err)
		s.infof("chat.completions.stream model=%s total_ms=%d error=%v", req.Model, time.Since(reqStart).Milliseconds(), err)
		return
	}
	defer resp.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bridge := anthropic.NewBridge(req.Model, time.Now().Unix())
	err = bridge.Run(r.Context(), resp.Body, func(chunk openai.ChatCompletionChunk) error {
		if err := writeSSEChunk(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.debugf("chat.completions.stream model=%s client disconnected", req.Model)
		return
	default:
		// Status line already committed; close out the stream with an
		// annotated final chunk.
		finish := "stop"
		chunk := openai.ChatCompletionChunk{
			ID:      bridge.ID,
			Object:  "chat.completion.chunk",
			Created: bridge.Created,
			Model:   bridge.Model,
			Choices: []openai.ChatCompletionChunkChoice{{Index: 0, FinishReason: &finish}},
			Error:   &openai.StreamError{Message: err.Error(), Type: "api_error"},
		}
		if werr := writeSSEChunk(w, chunk); werr == nil {
			flusher.Flush()
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
	s.recordUsage(req.Model, int64(bridge.InputTokens), int64(bridge.OutputTokens), "chat.completions(stream)")
	s.infof("chat.completions.stream model=%s total_ms=%d err=%v", req.Model, time.Since(reqStart).Milliseconds(), err)
}

func writeSSEChunk(w io.Writer, chunk openai.ChatCompletionChunk) error {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}

// recordUsage writes a ledger entry. The request context may already be done
// when a stream finishes, so recording uses its own short-lived context.
func (s *Server) recordUsage(model string, prompt, completion int64, memo string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := ledger.Entry{Model: model, PromptTokens: prompt, CompletionTokens: completion, Memo: memo}
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.infof("usage record failed: %v", err)
	}
}
