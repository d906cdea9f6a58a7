package cli

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/term"
)

// useJSON 判断输出格式：显式 --json，或标准输出不是终端（管道、重定向）
func useJSON(forced bool, w io.Writer) bool {
	if forced {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate 按 rune 截断，用于表格列
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
