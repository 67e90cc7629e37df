package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpegSource streams microphone PCM audio using ffmpeg.
type FFmpegSource struct {
	command     string
	inputFormat string
	inputDevice string
	logger      *slog.Logger
}

func NewFFmpegSource(command, inputFormat, inputDevice string, logger *slog.Logger) *FFmpegSource {
	if command == "" {
		command = "ffmpeg"
	}
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	if inputDevice == "" {
		inputDevice = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegSource{
		command:     command,
		inputFormat: inputFormat,
		inputDevice: inputDevice,
		logger:      logger.With(slog.String("component", "audio.ffmpeg")),
	}
}

func (s *FFmpegSource) args(format Format) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.inputFormat,
		"-i", s.inputDevice,
		"-ac", strconv.Itoa(max(format.Channels, 1)),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (s *FFmpegSource) Open(ctx context.Context, format Format, sink io.Writer) (Capture, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 16000
	}
	cmd := exec.CommandContext(ctx, s.command, s.args(format)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	c := &ffmpegCapture{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		pumped:  make(chan struct{}),
	}
	go func() {
		defer close(c.pumped)
		defer finish(sink)
		if _, err := io.Copy(sink, stdout); err != nil && !errors.Is(err, os.ErrClosed) {
			s.logger.Debug("capture pump stopped", slog.String("error", err.Error()))
		}
	}()
	return c, nil
}

type ffmpegCapture struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error
	pumped  chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (c *ffmpegCapture) Stop() error {
	c.stopOnce.Do(func() {
		if c.process != nil {
			_ = c.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-c.waitErr:
			if ok {
				c.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if c.process != nil {
				_ = c.process.Kill()
			}
			if err, ok := <-c.waitErr; ok {
				c.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := c.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && c.stopErr == nil {
			c.stopErr = closeErr
		}
		<-c.pumped

		if c.stopErr != nil && c.stderr.Len() > 0 {
			c.stopErr = fmt.Errorf("%w: %s", c.stopErr, trimOutput(c.stderr.String()))
		}
	})
	return c.stopErr
}

// normalizeStopErr treats a non-zero exit after an interrupt as a clean stop.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	return string(bytes.TrimSpace([]byte(input)))
}
