package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"claudeproxy/internal/ledger"
)

func TestStoreRecordAndSummary(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	record := func(memo string, prompt, completion int64) {
		if err := store.Record(ctx, ledger.Entry{
			Model:            "claude-sonnet-4-0",
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Memo:             memo,
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	record("chat.completions", 100, 50)
	record("chat.completions(stream)", 60, 20)

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Requests != 2 {
		t.Fatalf("expected 2 requests, got %d", summary.Requests)
	}
	if summary.PromptTokens != 160 {
		t.Fatalf("expected prompt 160, got %d", summary.PromptTokens)
	}
	if summary.CompletionTokens != 70 {
		t.Fatalf("expected completion 70, got %d", summary.CompletionTokens)
	}
	if summary.TotalTokens != 230 {
		t.Fatalf("unexpected total %d", summary.TotalTokens)
	}
}

func TestListRecentOrdering(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	entries := []ledger.Entry{
		{Model: "m", PromptTokens: 1, CompletionTokens: 1, Memo: "messages", CreatedAt: time.Now().Add(-2 * time.Hour)},
		{Model: "m", PromptTokens: 2, CompletionTokens: 2, Memo: "messages", CreatedAt: time.Now().Add(-1 * time.Hour)},
		{Model: "m", PromptTokens: 3, CompletionTokens: 3, Memo: "messages", CreatedAt: time.Now()},
	}

	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].PromptTokens != 3 || recent[1].PromptTokens != 2 {
		t.Fatalf("unexpected ordering %#v", recent)
	}
}

func TestEmptySummary(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	summary, err := store.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary != (ledger.Summary{}) {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
}
