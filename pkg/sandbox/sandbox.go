// Package sandbox defines the contract for executing model-emitted code.
package sandbox

import "context"

// Result is the captured outcome of one execution. A script that throws is
// still a Result, with Error set; Run only returns a Go error when the
// execution could not take place or was cancelled.
type Result struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Error  string `json:"error,omitempty"`
	// Value is the completion value of the script, if any.
	Value     string   `json:"value,omitempty"`
	Figures   [][]byte `json:"figures,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// Sandbox executes code in isolation.
type Sandbox interface {
	Run(ctx context.Context, code string) (*Result, error)
}
