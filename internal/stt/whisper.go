//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-cockpit/internal/audio"
)

// WhisperAvailable reports whether this build links whisper.cpp.
const WhisperAvailable = true

// sharedModel holds whisper weights shared by every session. whisper.cpp
// contexts derived from one model must not process concurrently.
type sharedModel struct {
	mu    sync.Mutex
	model whisper.Model
}

func loadModel(path string) (*sharedModel, error) {
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", path, err)
	}
	return &sharedModel{model: model}, nil
}

func (m *sharedModel) Close() error {
	return m.model.Close()
}

type whisperRecognizer struct {
	model    *sharedModel
	language string
}

func newWhisperRecognizer(model *sharedModel, language string) Recognizer {
	return &whisperRecognizer{model: model, language: language}
}

func (r *whisperRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if sampleRate != whisper.SampleRate {
		return TranscriptResult{}, fmt.Errorf("whisper requires %d Hz audio, got %d", whisper.SampleRate, sampleRate)
	}
	samples, err := audio.Float32(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := r.process(samples)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return TranscriptResult{}, out.err
		}
		return TranscriptResult{Text: out.text, Confidence: 1}, nil
	}
}

func (r *whisperRecognizer) process(samples []float32) (string, error) {
	r.model.mu.Lock()
	defer r.model.mu.Unlock()

	wctx, err := r.model.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}
	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			return "", fmt.Errorf("set whisper language: %w", err)
		}
	}
	if err := wctx.Process(samples, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read whisper segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		// Non-speech annotations such as [BLANK_AUDIO] or (wind).
		if text == "" || strings.HasPrefix(text, "[") || strings.HasPrefix(text, "(") {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " "), nil
}
