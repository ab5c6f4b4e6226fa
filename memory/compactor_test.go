package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/polos-dev/polos-go"
)

func msg(role, content string) polos.ConversationMessage {
	return polos.ConversationMessage{Role: role, Content: content}
}

// Scenario E: 8 messages of ~20 tokens each (80 chars), maxConversationTokens=10,
// minRecentMessages=2, compaction model returns "summary". Expect 4 output
// messages: summary pair + last 2 originals.
func TestCompactIfNeededScenarioE(t *testing.T) {
	var messages []polos.ConversationMessage
	for i := 0; i < 8; i++ {
		messages = append(messages, msg("user", strings.Repeat("x", 80)))
	}

	cfg := Config{MaxConversationTokens: 10, MinRecentMessages: 2}
	called := false
	summarize := func(ctx context.Context, existing string, toFold []polos.ConversationMessage) (string, error) {
		called = true
		if len(toFold) != 6 {
			t.Fatalf("expected 6 messages to fold, got %d", len(toFold))
		}
		return "summary", nil
	}

	result := CompactIfNeeded(context.Background(), cfg, messages, summarize)
	if !result.Compacted {
		t.Fatal("expected compaction to trigger")
	}
	if !called {
		t.Fatal("expected summarizer to be invoked")
	}
	if len(result.Messages) != 4 {
		t.Fatalf("expected 4 output messages, got %d", len(result.Messages))
	}
	if !isSummaryPair(result.Messages, 0) {
		t.Fatal("expected positions 0-1 to form a valid summary pair")
	}
	last2 := messages[len(messages)-2:]
	got2 := result.Messages[2:]
	for i := range last2 {
		if last2[i].Content != got2[i].Content {
			t.Fatalf("last %d messages mismatch at %d", cfg.MinRecentMessages, i)
		}
	}
}

// Property 4: under budget, no-op with reference-identical message list.
func TestCompactIfNeededNoopUnderBudget(t *testing.T) {
	messages := []polos.ConversationMessage{msg("user", "hi"), msg("assistant", "hello")}
	cfg := Config{MaxConversationTokens: 1000}
	result := CompactIfNeeded(context.Background(), cfg, messages, func(ctx context.Context, existing string, toFold []polos.ConversationMessage) (string, error) {
		t.Fatal("summarizer should not be called when under budget")
		return "", nil
	})
	if result.Compacted {
		t.Fatal("expected no compaction under budget")
	}
	if len(result.Messages) != len(messages) {
		t.Fatalf("expected identical message list, got len %d", len(result.Messages))
	}
	if &result.Messages[0] != &messages[0] {
		t.Fatal("expected the same backing message list, got a copy")
	}
}

func TestCompactIfNeededFallsBackToNaiveTruncationOnModelFailure(t *testing.T) {
	var messages []polos.ConversationMessage
	for i := 0; i < 8; i++ {
		messages = append(messages, msg("user", strings.Repeat("x", 80)))
	}
	cfg := Config{MaxConversationTokens: 10, MinRecentMessages: 2}
	result := CompactIfNeeded(context.Background(), cfg, messages, func(ctx context.Context, existing string, toFold []polos.ConversationMessage) (string, error) {
		return "", errBoom
	})
	if !result.Compacted {
		t.Fatal("expected the naive-truncation fallback to count as compacted")
	}
	if len(result.Messages) != 2 {
		t.Fatalf("expected truncation to keep only the last 2 messages, got %d", len(result.Messages))
	}
}

func TestCompactIfNeededRefoldsExistingSummary(t *testing.T) {
	pair := buildSummaryMessages("earlier summary")
	messages := append(pair,
		msg("user", strings.Repeat("y", 400)),
		msg("assistant", strings.Repeat("z", 400)),
		msg("user", "recent question"),
		msg("assistant", "recent answer"))

	cfg := Config{MaxConversationTokens: 10, MinRecentMessages: 2}
	var seenExisting string
	result := CompactIfNeeded(context.Background(), cfg, messages, func(ctx context.Context, existing string, toFold []polos.ConversationMessage) (string, error) {
		seenExisting = existing
		return "refolded", nil
	})
	if !result.Compacted {
		t.Fatal("expected compaction")
	}
	if seenExisting != "earlier summary" {
		t.Fatalf("expected prior summary to be passed through, got %q", seenExisting)
	}
}

type boomError struct{}

func (boomError) Error() string { return "model unavailable" }

var errBoom = boomError{}
