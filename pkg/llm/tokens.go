package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts prompt tokens. All models are approximated with the
// GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. The model name is only used in errors.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, estimating at four characters
// per token when no codec is available.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountMessages sums the tokens of every message.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += tc.Count(m.Content)
	}
	return total
}

// Truncate shortens text to roughly limit tokens, cutting proportionally by
// characters and marking the cut with an ellipsis.
func (tc *TokenCounter) Truncate(text string, limit int) string {
	current := tc.Count(text)
	if limit <= 0 || current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	// Back up to a rune boundary.
	for charLimit > 0 && charLimit < len(text) && text[charLimit]&0xC0 == 0x80 {
		charLimit--
	}
	return text[:charLimit] + "..."
}
