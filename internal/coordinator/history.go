package coordinator

import (
	"strings"
	"unicode/utf8"

	"cadence/internal/storage"
	"cadence/internal/turn"
	"cadence/pkg/engine"
)

// perMessageOverhead approximates role and separator tokens.
const perMessageOverhead = 4

// recentTurns converts the tail of messages into engine history: at most
// maxMessages entries, then the oldest dropped until the estimate fits
// tokenBudget. Empty messages are skipped, and so are user messages that
// never got a reply, such as the prompt of a failed turn.
func recentTurns(messages []storage.Message, maxMessages, tokenBudget int) []engine.Turn {
	turns := make([]engine.Turn, 0, len(messages))
	for i, m := range messages {
		if m.Content == "" {
			continue
		}
		if m.Role == engine.RoleUser && !answered(messages, i) {
			continue
		}
		turns = append(turns, engine.Turn{Role: m.Role, Content: m.Content})
	}

	if maxMessages > 0 && len(turns) > maxMessages {
		turns = turns[len(turns)-maxMessages:]
	}
	if tokenBudget <= 0 {
		return turns
	}

	total := 0
	for _, t := range turns {
		total += turn.EstimateTokens(t.Content) + perMessageOverhead
	}
	for total > tokenBudget && len(turns) > 0 {
		total -= turn.EstimateTokens(turns[0].Content) + perMessageOverhead
		turns = turns[1:]
	}
	return turns
}

// answered reports whether the user message at i is followed by a reply.
func answered(messages []storage.Message, i int) bool {
	return i+1 < len(messages) && messages[i+1].Role != engine.RoleUser
}

// deriveTitle builds a conversation title from its first prompt.
func deriveTitle(prompt string, maxRunes int) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(title) <= maxRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
