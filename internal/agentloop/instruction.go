package agentloop

import (
	"fmt"
	"regexp"
	"strings"

	"cadence/pkg/sandbox"
)

// DefaultLanguages are the fence info strings treated as executable.
var DefaultLanguages = []string{"javascript", "js"}

// fenceBlock matches a triple-backtick fenced block and captures its info
// string and body.
var fenceBlock = regexp.MustCompile("(?s)```[ \\t]*([^\\n`]*)\\n(.*?)```")

// ExtractInstruction returns the body of the first fenced block whose
// language is one of langs. Blocks with an empty body are skipped.
func ExtractInstruction(text string, langs []string) (string, bool) {
	for _, m := range fenceBlock.FindAllStringSubmatch(text, -1) {
		info := strings.Fields(m[1])
		if len(info) == 0 || !hasLanguage(langs, info[0]) {
			continue
		}
		if code := strings.TrimSpace(m[2]); code != "" {
			return code, true
		}
	}
	return "", false
}

func hasLanguage(langs []string, lang string) bool {
	for _, l := range langs {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// FormatObservation renders a sandbox result as the next prompt.
func FormatObservation(res *sandbox.Result) string {
	var b strings.Builder
	b.WriteString("Execution result:\n")

	section := func(name, body string) {
		body = strings.TrimRight(body, "\n")
		if body == "" {
			return
		}
		fmt.Fprintf(&b, "[%s]\n%s\n", name, body)
	}
	section("stdout", res.Stdout)
	section("stderr", res.Stderr)
	section("error", res.Error)
	section("result", res.Value)

	if res.Stdout == "" && res.Stderr == "" && res.Error == "" && res.Value == "" {
		b.WriteString("(no output)\n")
	}
	if n := len(res.Figures); n > 0 {
		fmt.Fprintf(&b, "[figures] %d figure(s) captured\n", n)
	}
	fmt.Fprintf(&b, "[elapsed] %d ms", res.ElapsedMs)
	return b.String()
}
