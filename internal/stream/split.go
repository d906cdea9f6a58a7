package stream

import (
	"regexp"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

var thinkBlock = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// Segments is text split into the model's reasoning and its answer.
type Segments struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Empty reports whether both segments are blank.
func (s Segments) Empty() bool {
	return strings.TrimSpace(s.Answer) == "" && strings.TrimSpace(s.Reasoning) == ""
}

// Split separates reasoning from the answer. When the engine reported the
// reasoning out of band it wins; otherwise <think>...</think> markers in
// the text are used. An unterminated opening marker puts the rest of the
// text into reasoning, which is the normal state mid-stream.
func Split(full, reported string) Segments {
	if reported != "" {
		answer := thinkBlock.ReplaceAllString(full, "")
		return Segments{Answer: strings.TrimSpace(answer), Reasoning: strings.TrimSpace(reported)}
	}

	var reasoning []string
	for _, m := range thinkBlock.FindAllStringSubmatch(full, -1) {
		if r := strings.TrimSpace(m[1]); r != "" {
			reasoning = append(reasoning, r)
		}
	}
	answer := thinkBlock.ReplaceAllString(full, "")

	if i := strings.Index(answer, thinkOpen); i >= 0 {
		if r := strings.TrimSpace(answer[i+len(thinkOpen):]); r != "" {
			reasoning = append(reasoning, r)
		}
		answer = answer[:i]
	}
	// a stray closing marker without an opener: everything before it was reasoning
	if i := strings.Index(answer, thinkClose); i >= 0 {
		if r := strings.TrimSpace(answer[:i]); r != "" {
			reasoning = append([]string{r}, reasoning...)
		}
		answer = answer[i+len(thinkClose):]
	}

	return Segments{
		Answer:    strings.TrimSpace(answer),
		Reasoning: strings.Join(reasoning, "\n\n"),
	}
}
