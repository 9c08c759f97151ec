package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claudeproxy/internal/openai"
)

// ErrInvalidRequest marks client payloads the translator cannot accept.
var ErrInvalidRequest = errors.New("invalid request")

// NativeRequest represents the Anthropic /v1/messages payload.
type NativeRequest struct {
	Model       string          `json:"model"`
	Messages    []NativeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

// NativeMessage represents one Anthropic conversation turn.
type NativeMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is Anthropic's structured payload unit; only text blocks are
// produced here, other types appear in responses and are skipped.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NativeResponse models the Anthropic non-streaming response.
type NativeResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      NativeUsage    `json:"usage"`
}

// NativeUsage carries Anthropic token accounting.
type NativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ConvertChatToNative maps an OpenAI chat completion request into the Anthropic
// messages payload. System messages anywhere in the sequence are folded into the
// system prefix; the first remaining message must be from the user.
func ConvertChatToNative(req openai.ChatCompletionRequest, defaultMaxTokens int) (NativeRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return NativeRequest{}, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return NativeRequest{}, fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}

	out := NativeRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.ResolveMaxTokens(defaultMaxTokens),
	}

	var systemParts []string
	for _, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "user", "assistant":
			out.Messages = append(out.Messages, NativeMessage{
				Role:    role,
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		default:
			return NativeRequest{}, fmt.Errorf("%w: unsupported role %q", ErrInvalidRequest, msg.Role)
		}
	}
	if len(out.Messages) == 0 {
		return NativeRequest{}, fmt.Errorf("%w: no user/assistant messages", ErrInvalidRequest)
	}
	if out.Messages[0].Role != "user" {
		return NativeRequest{}, fmt.Errorf("%w: first non-system message must be from the user", ErrInvalidRequest)
	}
	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n\n")
	}
	return out, nil
}

// ConvertNativeToOpenAIResponse maps an Anthropic response into the OpenAI
// chat completion shape, concatenating all text blocks in order.
func ConvertNativeToOpenAIResponse(resp NativeResponse, originalModel string) openai.ChatCompletionResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if strings.EqualFold(block.Type, "text") {
			content.WriteString(block.Text)
		}
	}

	return openai.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   originalModel,
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				FinishReason: MapStopReason(resp.StopReason),
				Message: openai.ChatMessage{
					Role:    "assistant",
					Content: content.String(),
				},
			},
		},
		Usage: openai.UsageBreakdown{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// MapStopReason translates Anthropic stop reasons to OpenAI finish reasons.
// An absent stop reason maps to "stop".
func MapStopReason(stopReason string) string {
	switch strings.ToLower(strings.TrimSpace(stopReason)) {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// NewCompletionID returns a fresh chatcmpl identifier with a 24-char token.
func NewCompletionID() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + token[:24]
}

// MarshalRequest encodes the native payload for the wire.
func MarshalRequest(req NativeRequest) ([]byte, error) {
	return json.Marshal(req)
}
