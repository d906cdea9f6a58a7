package turn

import (
	"math"
	"strings"
	"unicode/utf8"

	"cadence/pkg/engine"
)

// CharsPerToken is the characters-per-token ratio used when the engine does
// not report token counts. It is an approximation, not a tokenizer.
var CharsPerToken = 3.5

// EstimateTokens approximates the token count of text as
// max(1, round(chars/CharsPerToken)). Empty text has zero tokens.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	est := int(math.Round(float64(n) / CharsPerToken))
	if est < 1 {
		return 1
	}
	return est
}

// promptText is the text the engine sees for a turn, used to estimate
// prompt tokens.
func promptText(req engine.StreamRequest) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteByte('\n')
	}
	for _, t := range req.RecentTurns {
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	if req.DocumentContext != "" {
		b.WriteString(req.DocumentContext)
		b.WriteByte('\n')
	}
	b.WriteString(req.Prompt)
	return b.String()
}
