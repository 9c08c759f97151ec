package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"claudeproxy/internal/openai"
)

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string      `json:"model"`
		Usage NativeUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage NativeUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamFailedError reports an upstream error event observed mid-stream, after
// the HTTP status toward the client was already committed.
type StreamFailedError struct {
	Message string
}

func (e *StreamFailedError) Error() string { return "upstream stream error: " + e.Message }

// Bridge converts one Anthropic SSE event stream into OpenAI chat completion
// chunks. Every chunk it emits shares the same id, created timestamp and model.
type Bridge struct {
	ID      string
	Created int64
	Model   string

	// populated while consuming the stream
	InputTokens  int
	OutputTokens int
	StopReason   string

	primed bool
}

// NewBridge prepares a bridge echoing the client-requested model.
func NewBridge(model string, created int64) *Bridge {
	return &Bridge{ID: NewCompletionID(), Created: created, Model: model}
}

func (b *Bridge) newChunk() openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []openai.ChatCompletionChunkChoice{{Index: 0}},
	}
}

// FinishReason maps the captured stop reason for the final chunk.
func (b *Bridge) FinishReason() string { return MapStopReason(b.StopReason) }

// Run consumes upstream events and emits chunks until message_stop. The emitter
// must write and flush each chunk before Run reads the next upstream event so
// client backpressure propagates. Cancellation of ctx aborts the upstream read.
func (b *Bridge) Run(ctx context.Context, r io.Reader, emit func(openai.ChatCompletionChunk) error) error {
	scanner := NewSSEScanner(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := scanner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// upstream closed without message_stop
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if ev.Data == "" || ev.Data == "[DONE]" {
			continue
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &evt); err != nil {
			continue
		}
		evtType := evt.Type
		if evtType == "" {
			evtType = ev.Name
		}

		switch evtType {
		case "message_start":
			b.InputTokens = evt.Message.Usage.InputTokens
			if b.Model == "" {
				b.Model = evt.Message.Model
			}
			if !b.primed {
				chunk := b.newChunk()
				chunk.Choices[0].Delta.Role = "assistant"
				if err := emit(chunk); err != nil {
					return err
				}
				b.primed = true
			}
		case "content_block_delta":
			if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
				continue
			}
			chunk := b.newChunk()
			chunk.Choices[0].Delta.Content = evt.Delta.Text
			if err := emit(chunk); err != nil {
				return err
			}
		case "message_delta":
			if evt.Delta.StopReason != "" {
				b.StopReason = evt.Delta.StopReason
			}
			if evt.Usage.OutputTokens > 0 {
				b.OutputTokens = evt.Usage.OutputTokens
			}
		case "message_stop":
			finish := b.FinishReason()
			chunk := b.newChunk()
			chunk.Choices[0].FinishReason = &finish
			if err := emit(chunk); err != nil {
				return err
			}
			return nil
		case "error":
			msg := evt.Error.Message
			if msg == "" {
				msg = strings.TrimSpace(ev.Data)
			}
			return &StreamFailedError{Message: msg}
		}
	}
}
