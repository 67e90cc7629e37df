package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockRecognizer describes the audio it was given instead of recognising it.
// Scripted transcripts, when queued, are returned first in order.
type MockRecognizer struct {
	mu     sync.Mutex
	script []string
	calls  int
}

func NewMockRecognizer(script ...string) *MockRecognizer {
	return &MockRecognizer{script: append([]string(nil), script...)}
}

func (m *MockRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.script) > 0 {
		text := m.script[0]
		m.script = m.script[1:]
		return TranscriptResult{Text: text, Confidence: 1}, nil
	}
	return TranscriptResult{Text: fmt.Sprintf("[transcript length=%d]", len(pcm))}, nil
}

// Calls reports how many transcriptions were requested.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
