package trigger

import (
	"context"
	"strings"
)

// Result is one recognition produced by a detector.
type Result struct {
	Text  string
	Final bool
}

// Detector consumes audio chunks and occasionally yields a recognition.
// Implementations are owned by a single session and are not safe for
// concurrent use.
type Detector interface {
	// Ingest feeds one chunk. ok is false when no result is ready yet.
	Ingest(ctx context.Context, chunk []byte) (res Result, ok bool, err error)
	// Reset drops any buffered audio and pending results.
	Reset()
	Close() error
}

// Contains reports whether any trigger word occurs in text, ignoring case.
// Plain substring containment, so recognizer variants like "systems" fire.
func Contains(words []string, text string) bool {
	text = strings.ToLower(text)
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" && strings.Contains(text, word) {
			return true
		}
	}
	return false
}
