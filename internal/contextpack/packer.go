// Package contextpack assembles the token-budgeted extra context sent with
// a new query so the backend sees recent conversation history without the
// client shipping the whole transcript.
package contextpack

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/hivelink/internal/types"
)

// Packer selects as many recent transcript messages as fit the token budget.
type Packer struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a packer for the given model's tokenizer and token budget.
func New(model string, maxTokens int) (*Packer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Packer{tokenizer: enc, maxTokens: maxTokens}, nil
}

func (p *Packer) countTokens(text string) int {
	return len(p.tokenizer.Encode(text, nil, nil))
}

// Build walks the transcript newest-first, keeps committed user and
// assistant messages until the budget is exhausted, and returns them in
// chronological order as "role: content" lines. Loading placeholders,
// streaming buffers, and progress chatter are skipped: only text the user
// actually exchanged counts as context.
func (p *Packer) Build(messages []*types.TranscriptMessage) string {
	var kept []string
	used := 0

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if !includable(msg) {
			continue
		}
		line := fmt.Sprintf("%s: %s", msg.Role, msg.Content)
		tokens := p.countTokens(line)
		if used+tokens > p.maxTokens {
			break
		}
		kept = append(kept, line)
		used += tokens
	}

	// Reverse back into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}

func includable(msg *types.TranscriptMessage) bool {
	if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
		return false
	}
	meta := msg.Metadata
	if meta.IsLoading || meta.IsStreaming || meta.IsAgentProgress {
		return false
	}
	return strings.TrimSpace(msg.Content) != ""
}
