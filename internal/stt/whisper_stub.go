//go:build !whisper

package stt

import (
	"context"
	"errors"
)

const WhisperAvailable = false

// ErrWhisperUnavailable is returned when the binary was built without the
// whisper tag.
var ErrWhisperUnavailable = errors.New("whisper support not compiled in (build with -tags whisper)")

type sharedModel struct{}

func loadModel(string) (*sharedModel, error) {
	return nil, ErrWhisperUnavailable
}

func (m *sharedModel) Close() error { return nil }

type unavailableRecognizer struct{}

func newWhisperRecognizer(*sharedModel, string) Recognizer {
	return unavailableRecognizer{}
}

func (unavailableRecognizer) Transcribe(context.Context, []byte, int, int) (TranscriptResult, error) {
	return TranscriptResult{}, ErrWhisperUnavailable
}
