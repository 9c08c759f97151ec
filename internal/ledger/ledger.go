package ledger

import (
	"context"
	"time"
)

// Entry represents one completed inference recorded in the local ledger.
type Entry struct {
	ID               int64     `json:"id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Memo             string    `json:"memo"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates recorded usage.
type Summary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Nop discards all records. Used when the ledger is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Summary(context.Context) (Summary, error) { return Summary{}, nil }
func (Nop) ListRecent(context.Context, int) ([]Entry, error) { return nil, nil }
func (Nop) Close() error { return nil }
