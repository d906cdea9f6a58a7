// Package recovery decides whether a failed turn can be rescued by resetting
// the engine session, and performs that reset and the single retry.
package recovery

import (
	"errors"
	"strings"

	"cadence/pkg/engine"
)

// Kind is a failure class.
type Kind int

const (
	Fatal Kind = iota
	Recoverable
)

func (k Kind) String() string {
	if k == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// FailureClass is the classification of one failure.
type FailureClass struct {
	Kind   Kind
	Reason string
}

// contextKeywords identify context-capacity exhaustion in messages of
// otherwise generic failures.
var contextKeywords = []string{
	"context window",
	"exceeded context",
	"context length",
	"n_ctx",
	"maximum context",
	"context overflow",
	"too many tokens",
	"kv cache is full",
}

// Classify maps an error to its failure class.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureClass{Kind: Fatal, Reason: "no error"}
	}

	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.CodeContextOverflow:
			return FailureClass{Kind: Recoverable, Reason: "context overflow"}
		case engine.CodeSessionUnavailable:
			return FailureClass{Kind: Fatal, Reason: "session unavailable"}
		case engine.CodeNotReady:
			return FailureClass{Kind: Fatal, Reason: "engine not ready"}
		case engine.CodeDecodeFailed, engine.CodePrefillFailed, engine.CodeUnknown:
			if kw, ok := matchContextKeyword(ee.Message + " " + ee.Detail); ok {
				return FailureClass{Kind: Recoverable, Reason: string(ee.Code) + ": " + kw}
			}
			return FailureClass{Kind: Fatal, Reason: string(ee.Code)}
		default:
			return FailureClass{Kind: Fatal, Reason: string(ee.Code)}
		}
	}

	// untyped errors from transports that don't speak engine.Error
	if kw, ok := matchContextKeyword(err.Error()); ok {
		return FailureClass{Kind: Recoverable, Reason: kw}
	}
	return FailureClass{Kind: Fatal, Reason: "unclassified"}
}

func matchContextKeyword(msg string) (string, bool) {
	msg = strings.ToLower(msg)
	for _, kw := range contextKeywords {
		if strings.Contains(msg, kw) {
			return kw, true
		}
	}
	return "", false
}
