package openai

// ChatCompletionChunk represents a chunk in an SSE streaming response.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Error   *StreamError                `json:"error,omitempty"`
}

// ChatCompletionChunkChoice represents a choice in a streaming chunk.
type ChatCompletionChunkChoice struct {
	Index        int              `json:"index"`
	Delta        ChatMessageDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
	Logprobs     interface{}      `json:"logprobs"`
}

// ChatMessageDelta represents the incremental content in a stream chunk.
type ChatMessageDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamError annotates the final chunk when the upstream stream fails after
// the HTTP status has already been committed.
type StreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
