// Package tokencount provides token estimation for usage recording and quota
// accounting. Uses a character-based heuristic which is sufficient for
// reporting; exact tokenizer counts are not available for the upstream models.
package tokencount

import (
	"math"
	"unicode"

	gateway "github.com/eugener/moria/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateContents estimates the total token count of a request's text parts.
func (c *Counter) EstimateContents(contents []gateway.Content) int {
	total := 0
	for _, content := range contents {
		for _, part := range content.Parts {
			total += estimateTokens(part.Text)
		}
	}
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens weights CJK characters at ~1.5 chars per token and everything
// else at ~4, which tracks real tokenizers far better than a flat divisor on
// mixed Chinese/English prompts.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	var cjk, other int
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
