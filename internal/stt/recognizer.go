package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-cockpit/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes a complete 16-bit PCM utterance.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// Factory builds recognizers for new sessions. Heavy read-only state such as
// model weights is loaded once and shared; everything mutable is per instance.
type Factory struct {
	cfg    config.STTConfig
	logger *slog.Logger
	model  *sharedModel
}

func NewFactory(cfg config.STTConfig, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{cfg: cfg, logger: logger.With(slog.String("component", "stt"))}
	switch cfg.Mode {
	case "", "mock":
	case "exec":
		if _, err := NewExecRecognizer(cfg); err != nil {
			return nil, err
		}
	case "whisper":
		model, err := loadModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		f.model = model
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	f.logger.Info("speech recognizer ready", slog.String("mode", f.Mode()))
	return f, nil
}

// New returns a recognizer owned by one session.
func (f *Factory) New() (Recognizer, error) {
	switch f.cfg.Mode {
	case "exec":
		return NewExecRecognizer(f.cfg)
	case "whisper":
		return newWhisperRecognizer(f.model, f.cfg.Language), nil
	default:
		return NewMockRecognizer(), nil
	}
}

func (f *Factory) Mode() string {
	if f.cfg.Mode == "" {
		return "mock"
	}
	return f.cfg.Mode
}

// Close releases shared model state.
func (f *Factory) Close() error {
	if f.model != nil {
		return f.model.Close()
	}
	return nil
}
