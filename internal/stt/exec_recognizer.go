package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-cockpit/internal/audio"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecRecognizer hands each utterance to an external command as a WAV file.
// The command replies on stdout with either a JSON {"text", "confidence"}
// object or the bare transcript, as the whisper.cpp and vosk CLIs print it.
type ExecRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *ExecRecognizer) args(wavPath string) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", wavPath)
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	return args
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "cockpit_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(file.Name())...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	return parseExecOutput(stdout.Bytes())
}

func parseExecOutput(out []byte) (TranscriptResult, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return TranscriptResult{}, nil
	}
	if out[0] != '{' {
		return TranscriptResult{Text: string(bytes.Join(bytes.Fields(out), []byte(" "))), Confidence: 1}, nil
	}
	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}
