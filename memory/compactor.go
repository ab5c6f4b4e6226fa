// Package memory implements conversation compaction: folding older messages
// into a summary once the running token estimate exceeds budget, so long
// agent conversations stay within a model's context window.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polos-dev/polos-go"
)

// summaryPrefix marks the user-role half of a summary pair (spec §4.5 step
// 6). Detection in isSummaryPair depends on this exact literal.
const summaryPrefix = "[Prior conversation summary]"

const summaryAcknowledgement = "Understood. I'll continue from that summary."

// Summarizer invokes the compaction model: given an existing summary (empty
// if none) and the messages being folded, return new summary text.
type Summarizer func(ctx context.Context, existingSummary string, messagesToFold []polos.ConversationMessage) (string, error)

// Config bounds the compactor's behavior. Zero values fall back to the
// documented defaults.
type Config struct {
	MaxConversationTokens int // trigger threshold; required, no default
	MinRecentMessages     int // default 4
	MaxSummaryTokens      int // default 2000
}

func (c Config) withDefaults() Config {
	if c.MinRecentMessages <= 0 {
		c.MinRecentMessages = 4
	}
	if c.MaxSummaryTokens <= 0 {
		c.MaxSummaryTokens = 2000
	}
	return c
}

// Result is compactIfNeeded's outcome (spec §8 testable property 4).
type Result struct {
	Messages  []polos.ConversationMessage
	Compacted bool
}

// EstimateTokens approximates token count as char-length/4, rounded up,
// JSON-stringifying non-string content (spec §4.5 step 1). A
// ConversationMessage's Content is always a string, so this reduces to the
// message's rune length; ToolCalls/Metadata are included when present since
// they round-trip through the model as part of the turn.
func EstimateTokens(msg polos.ConversationMessage) int {
	n := len([]rune(msg.Content))
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			n += len(data)
		}
	}
	if len(msg.Metadata) > 0 {
		n += len(msg.Metadata)
	}
	return ceilDiv(n, 4)
}

func estimateTotal(messages []polos.ConversationMessage) int {
	var total int
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	return total
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// CompactIfNeeded folds older messages into a summary pair once the
// estimated token total exceeds cfg.MaxConversationTokens, per spec §4.5's
// seven-step algorithm. summarize is the compaction model call; on failure
// it falls back to naive truncation (step 7) rather than erroring.
func CompactIfNeeded(ctx context.Context, cfg Config, messages []polos.ConversationMessage, summarize Summarizer) Result {
	cfg = cfg.withDefaults()

	if estimateTotal(messages) <= cfg.MaxConversationTokens {
		return Result{Messages: messages, Compacted: false}
	}

	if len(messages) <= cfg.MinRecentMessages {
		return Result{Messages: messages, Compacted: false}
	}

	recent := messages[len(messages)-cfg.MinRecentMessages:]
	candidates := messages[:len(messages)-cfg.MinRecentMessages]
	if len(candidates) == 0 {
		return Result{Messages: messages, Compacted: false}
	}

	existingSummary := ""
	foldFrom := 0
	if isSummaryPair(candidates, 0) {
		existingSummary = strings.TrimPrefix(candidates[0].Content, summaryPrefix)
		existingSummary = strings.TrimSpace(strings.TrimPrefix(existingSummary, ":"))
		foldFrom = 2
	}
	toFold := candidates[foldFrom:]
	if len(toFold) == 0 {
		return Result{Messages: messages, Compacted: false}
	}

	summary, err := summarize(ctx, existingSummary, toFold)
	if err != nil {
		return Result{Messages: naiveTruncate(existingSummary, recent), Compacted: true}
	}

	if EstimateTokens(polos.ConversationMessage{Content: summary}) > cfg.MaxSummaryTokens {
		reSummarized, rerr := summarize(ctx, "", []polos.ConversationMessage{{Role: "assistant", Content: summary}})
		if rerr == nil {
			summary = reSummarized
		}
	}

	pair := buildSummaryMessages(summary)
	out := make([]polos.ConversationMessage, 0, len(pair)+len(recent))
	out = append(out, pair...)
	out = append(out, recent...)
	return Result{Messages: out, Compacted: true}
}

// buildSummaryMessages constructs the two-message summary pair: a user-role
// message carrying the literal prefix, and an assistant acknowledgement.
func buildSummaryMessages(summary string) []polos.ConversationMessage {
	return []polos.ConversationMessage{
		{Role: "user", Content: fmt.Sprintf("%s: %s", summaryPrefix, summary)},
		{Role: "assistant", Content: summaryAcknowledgement},
	}
}

// isSummaryPair reports whether messages[i:i+2] is a valid summary pair:
// role sequence (user, assistant), user content starting with the prefix
// literal, and assistant content matching the acknowledgement literal.
func isSummaryPair(messages []polos.ConversationMessage, i int) bool {
	if i+1 >= len(messages) {
		return false
	}
	user, assistant := messages[i], messages[i+1]
	if user.Role != "user" || assistant.Role != "assistant" {
		return false
	}
	if !strings.HasPrefix(user.Content, summaryPrefix) {
		return false
	}
	return assistant.Content == summaryAcknowledgement
}

// naiveTruncate is the step-7 fallback on compaction-model failure: drop
// older messages entirely, keep the last minRecentMessages, preserve any
// existing summary pair.
func naiveTruncate(existingSummary string, recent []polos.ConversationMessage) []polos.ConversationMessage {
	if existingSummary == "" {
		return append([]polos.ConversationMessage{}, recent...)
	}
	out := buildSummaryMessages(existingSummary)
	return append(out, recent...)
}
