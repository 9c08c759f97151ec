package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"claudeproxy/internal/auth"
	"claudeproxy/internal/httpserver/anthropic"
	"claudeproxy/internal/ledger"
	"claudeproxy/internal/openai"
	"claudeproxy/internal/upstream"
)

// Server exposes the OpenAI-compatible surface plus the login endpoints.
// Binding is loopback-only by contract; inbound Authorization headers are
// accepted but never validated.
type Server struct {
	creds    *auth.Manager
	upstream *upstream.Client
	ledger   ledger.Store

	defaultModel     string
	defaultMaxTokens int
	requiredBetas    []string
	modelIDs         []string

	logger   *log.Logger
	logLevel string
}

// NewServer wires the HTTP layer over the credential manager and upstream
// client. A nil store disables usage recording.
func NewServer(creds *auth.Manager, up *upstream.Client, store ledger.Store) *Server {
	if store == nil {
		store = ledger.Nop{}
	}
	return &Server{
		creds:            creds,
		upstream:         up,
		ledger:           store,
		defaultModel:     "claude-sonnet-4-0",
		defaultMaxTokens: 4096,
	}
}

// SetDefaults configures the fallback model and max_tokens applied when the
// caller omits them.
func (s *Server) SetDefaults(model string, maxTokens int) {
	if strings.TrimSpace(model) != "" {
		s.defaultModel = model
	}
	if maxTokens > 0 {
		s.defaultMaxTokens = maxTokens
	}
}

// SetRequiredBetas configures the beta list merged into every upstream call.
func (s *Server) SetRequiredBetas(betas []string) {
	s.requiredBetas = betas
}

// SetModelIDs configures the ids advertised by /v1/models.
func (s *Server) SetModelIDs(ids []string) {
	s.modelIDs = ids
}

// SetLogger configures server-level logger and verbosity ("debug", "info", ...).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	s.logger = logger
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) infof(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router builds the chi router with all endpoints registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Get("/auth/login", s.handleAuthLogin)
	r.Post("/auth/exchange", s.handleAuthExchange)
	r.Get("/auth/status", s.handleAuthStatus)
	r.Post("/auth/clear", s.handleAuthClear)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/messages", s.handleAnthropicMessages)
	r.Get("/v1/models", s.handleModels)
	r.Get("/usage/summary", s.handleUsageSummary)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := s.modelIDs
	if len(ids) == 0 {
		ids = []string{s.defaultModel}
	}
	s.respondJSON(w, http.StatusOK, openai.ModelList(ids, "anthropic", time.Now().Unix()))
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", "usage summary unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondOpenAIError writes the OpenAI error envelope.
func (s *Server) respondOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	s.respondJSON(w, status, openai.NewError(errType, message))
}

// respondUpstreamFailure maps the internal error taxonomy onto external
// statuses. Upstream replies pass through with body and status preserved.
func (s *Server) respondUpstreamFailure(w http.ResponseWriter, err error) {
	var ue *upstream.Error
	switch {
	case errors.Is(err, auth.ErrNeedsLogin):
		s.respondOpenAIError(w, http.StatusUnauthorized, "authentication_error",
			"no valid credential; complete login at /auth/login")
	case errors.Is(err, upstream.ErrAuthExpired):
		s.respondOpenAIError(w, http.StatusUnauthorized, "authentication_error",
			"upstream rejected the credential after refresh; log in again at /auth/login")
	case errors.As(err, &ue):
		if ue.RetryAfter != "" {
			w.Header().Set("Retry-After", ue.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Status)
		_, _ = w.Write(ue.Body)
	case errors.Is(err, upstream.ErrUnreachable):
		s.respondOpenAIError(w, http.StatusBadGateway, "api_error", "upstream unreachable")
	case errors.Is(err, anthropic.ErrInvalidRequest):
		s.respondOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		s.respondOpenAIError(w, http.StatusInternalServerError, "api_error", err.Error())
	}
}

// upstreamRequestID extracts the anthropic request id for logging.
func upstreamRequestID(h http.Header) string {
	if h == nil {
		return ""
	}
	return h.Get("request-id")
}
