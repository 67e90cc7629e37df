package trigger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDetector runs a streaming keyword spotter as a child process. Raw PCM
// is written to its stdin and it answers with one JSON object per line on
// stdout: {"text": "...", "final": true}.
type ExecDetector struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	results chan Result
	readErr chan error
	waitErr chan error
	logger  *slog.Logger

	closeOnce sync.Once
}

type execLine struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// StartExecDetector launches command for one session. --sample-rate and
// --channels are appended to the parsed arguments.
func StartExecDetector(ctx context.Context, command string, sampleRate, channels int, logger *slog.Logger) (*ExecDetector, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse trigger command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("trigger command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	args = append(args, "--sample-rate", strconv.Itoa(sampleRate), "--channels", strconv.Itoa(channels))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("trigger stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("trigger stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start trigger command: %w", err)
	}

	d := &ExecDetector{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  &stderr,
		results: make(chan Result, 16),
		readErr: make(chan error, 1),
		waitErr: make(chan error, 1),
		logger:  logger.With(slog.String("component", "trigger.exec")),
	}
	go d.readLoop(stdout)
	return d, nil
}

func (d *ExecDetector) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			d.logger.Debug("ignoring non-json detector output", slog.String("line", string(line)))
			continue
		}
		select {
		case d.results <- Result{Text: msg.Text, Final: msg.Final}:
		default:
			d.logger.Warn("dropping detector result, consumer is behind")
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	d.readErr <- err
	d.waitErr <- d.cmd.Wait()
}

func (d *ExecDetector) Ingest(ctx context.Context, chunk []byte) (Result, bool, error) {
	if res, ok := d.final(); ok {
		return res, true, nil
	}
	select {
	case err := <-d.readErr:
		d.readErr <- err
		// readLoop queues every result before it reports the read error.
		if res, ok := d.final(); ok {
			return res, true, nil
		}
		return Result{}, false, fmt.Errorf("trigger command stopped: %w", err)
	default:
	}
	if err := ctx.Err(); err != nil {
		return Result{}, false, err
	}
	if _, err := d.stdin.Write(chunk); err != nil {
		if res, ok := d.final(); ok {
			return res, true, nil
		}
		return Result{}, false, fmt.Errorf("write to trigger command: %w", err)
	}
	res, ok := d.final()
	return res, ok, nil
}

// final pops queued results until it finds a finalized one.
func (d *ExecDetector) final() (Result, bool) {
	for {
		select {
		case res := <-d.results:
			if res.Final {
				return res, true
			}
		default:
			return Result{}, false
		}
	}
}

// Reset discards results the process produced for audio before the reset.
func (d *ExecDetector) Reset() {
	for {
		select {
		case <-d.results:
		default:
			return
		}
	}
}

func (d *ExecDetector) Close() error {
	d.closeOnce.Do(func() {
		_ = d.stdin.Close()
		select {
		case <-d.waitErr:
		case <-time.After(time.Second):
			if d.cmd.Process != nil {
				_ = d.cmd.Process.Signal(os.Interrupt)
			}
			select {
			case <-d.waitErr:
			case <-time.After(time.Second):
				_ = d.cmd.Process.Kill()
				<-d.waitErr
			}
		}
		if out := bytes.TrimSpace(d.stderr.Bytes()); len(out) > 0 {
			d.logger.Debug("trigger command stderr", slog.String("output", string(out)))
		}
	})
	return nil
}
