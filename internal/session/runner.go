package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/audio"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/stt"
	"github.com/loqalabs/loqa-cockpit/internal/trigger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTransport marks a failure to deliver a message to the client. It ends
// the session.
var ErrTransport = errors.New("session transport failed")

var errAudioEnded = errors.New("audio source stopped")

// Queue is the consumer side of the session's audio chunk queue.
type Queue interface {
	Next(ctx context.Context, timeout time.Duration) ([]byte, error)
	Drain() int
}

// Sink delivers messages to the client in order.
type Sink interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Matcher resolves a transcript to a vocabulary command.
type Matcher interface {
	Match(text string) (string, bool)
}

// Executor hands a finished command dialogue to whatever acts on it.
type Executor interface {
	Publish(ctx context.Context, evt protocol.CommandEvent) error
}

// Journal records the session timeline.
type Journal interface {
	Append(ctx context.Context, entry eventstore.Entry) error
}

// Capabilities are the session-owned recognition adapters.
type Capabilities struct {
	Detector    trigger.Detector
	Transcriber stt.Recognizer
	Matcher     Matcher
}

type Options struct {
	ID                string
	Limits            Limits
	TriggerWords      []string
	Format            audio.Format
	SettleDelay       time.Duration
	ConfirmWindow     time.Duration
	PollInterval      time.Duration
	TranscribeTimeout time.Duration
	Logger            *slog.Logger
	Executor          Executor
	Journal           Journal
	// Report receives capability failures, e.g. for Sentry.
	Report func(error)
}

// Runner drives one session: it pulls chunks from the queue, feeds the
// capabilities and the Machine, and emits the resulting messages.
type Runner struct {
	opts    Options
	caps    Capabilities
	queue   Queue
	sink    Sink
	machine *Machine
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instruments

	lastDetectErr  string
	lastTranscript string
}

func NewRunner(opts Options, caps Capabilities, queue Queue, sink Sink) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.Format.ChunkSize <= 0 {
		opts.Format.ChunkSize = 1024
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = 3500 * time.Millisecond
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = 45 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	logger := opts.Logger.With(slog.String("component", "session"), slog.String("session_id", opts.ID))
	return &Runner{
		opts:    opts,
		caps:    caps,
		queue:   queue,
		sink:    sink,
		machine: NewMachine(opts.Limits),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		metrics: sessionMetrics(logger),
	}
}

// State reports the current protocol state.
func (r *Runner) State() State { return r.machine.State() }

// Run drives the session until ctx is cancelled (client gone), the transport
// fails or the audio source stops. Capability failures never end it.
func (r *Runner) Run(ctx context.Context) error {
	r.metrics.sessionStarted(ctx, 1)
	defer r.metrics.sessionStarted(context.WithoutCancel(ctx), -1)
	defer r.machine.Close()

	r.logger.Info("session started")
	if err := r.emit(ctx, protocol.Info(protocol.TextListening)); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			r.logger.Info("session ended", slog.String("reason", "disconnected"))
			return nil
		}
		var err error
		if r.machine.State() == StateAwaitingConfirmation {
			err = r.confirm(ctx)
		} else {
			err = r.listen(ctx)
		}
		if err != nil {
			r.logger.Info("session ended", slogError(err))
			return err
		}
	}
}

func (r *Runner) listen(ctx context.Context) error {
	chunk, err := r.next(ctx, r.opts.PollInterval)
	if chunk == nil || err != nil {
		return err
	}
	if r.machine.State() == StateIdle {
		return r.detect(ctx, chunk)
	}
	if step := r.machine.Chunk(chunk); step.Action == ActionTranscribeCommand {
		return r.transcribeCommand(ctx)
	}
	return nil
}

// next returns (nil, nil) on timeout or cancellation and an error only when
// the audio source is gone.
func (r *Runner) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	chunk, err := r.queue.Next(ctx, timeout)
	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, audio.ErrNoChunk), ctx.Err() != nil:
		return nil, nil
	case errors.Is(err, audio.ErrClosed):
		r.capabilityFailure(ctx, "audio", errAudioEnded)
		if sendErr := r.emit(ctx, protocol.Error(errAudioEnded)); sendErr != nil {
			return nil, sendErr
		}
		return nil, errAudioEnded
	default:
		return nil, fmt.Errorf("read audio: %w", err)
	}
}

func (r *Runner) detect(ctx context.Context, chunk []byte) error {
	res, ok, err := r.caps.Detector.Ingest(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.caps.Detector.Reset()
		// A failing detector fails on every chunk. Repeats of the same error are
		// reported once until the detector next succeeds.
		if err.Error() == r.lastDetectErr {
			return nil
		}
		r.lastDetectErr = err.Error()
		r.capabilityFailure(ctx, "trigger", err)
		return r.emit(ctx, protocol.Error(err))
	}
	r.lastDetectErr = ""
	if !ok || !res.Final || !trigger.Contains(r.opts.TriggerWords, res.Text) {
		return nil
	}

	step := r.machine.Trigger()
	if len(step.Messages) == 0 {
		return nil
	}
	r.caps.Detector.Reset()
	dropped := r.queue.Drain()
	r.metrics.triggered(ctx)
	r.logger.Info("trigger detected", slog.String("text", res.Text), slog.Int("drained_chunks", dropped))
	return r.apply(ctx, step)
}

func (r *Runner) transcribeCommand(ctx context.Context) error {
	text, err := r.transcribe(ctx, "command", r.machine.Utterance())
	if ctx.Err() != nil {
		return nil
	}
	var (
		command string
		matched bool
	)
	if err == nil {
		command, matched = r.caps.Matcher.Match(text)
	}
	r.lastTranscript = text
	return r.apply(ctx, r.machine.CommandTranscribed(text, command, matched, err))
}

// confirm runs one confirmation attempt: settle, record a fixed window,
// transcribe and decide.
func (r *Runner) confirm(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "session.confirmation_attempt", trace.WithAttributes(
		attribute.String("session.id", r.opts.ID),
		attribute.String("command", r.machine.Pending()),
		attribute.Int("attempt", r.machine.Attempt()+1),
	))
	defer span.End()

	r.machine.BeginAttempt()
	r.queue.Drain()
	if !sleep(ctx, r.opts.SettleDelay) {
		return nil
	}
	// Audio queued while the prompt was playing must not leak into the window.
	r.queue.Drain()

	if err := r.recordWindow(ctx); err != nil || ctx.Err() != nil {
		return err
	}
	if err := r.apply(ctx, r.machine.RecordingClosed()); err != nil {
		return err
	}

	text, err := r.transcribe(ctx, "confirmation", r.machine.Utterance())
	if ctx.Err() != nil {
		return nil
	}
	r.lastTranscript = text
	step := r.machine.ConfirmationTranscribed(text, err)
	span.SetAttributes(attribute.String("outcome", step.Outcome))
	return r.apply(ctx, step)
}

// recordWindow collects the confirmation utterance. It stops at the expected
// chunk count or, if the source stalls, after twice the window duration.
func (r *Runner) recordWindow(ctx context.Context) error {
	target := FramesForWindow(r.opts.Format, r.opts.ConfirmWindow)
	deadline := time.Now().Add(2 * r.opts.ConfirmWindow)
	for n := 0; n < target; {
		wait := time.Until(deadline)
		if wait <= 0 {
			r.logger.Debug("confirmation window closed before enough audio arrived",
				slog.Int("frames", n), slog.Int("expected", target))
			return nil
		}
		chunk, err := r.next(ctx, min(wait, r.opts.PollInterval))
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if chunk == nil {
			continue
		}
		r.machine.Chunk(chunk)
		n++
	}
	return nil
}

// FramesForWindow is the number of chunks that make up d of audio.
func FramesForWindow(format audio.Format, d time.Duration) int {
	if format.ChunkSize <= 0 {
		return 1
	}
	n := int(float64(format.SampleRate) / float64(format.ChunkSize) * d.Seconds())
	return max(n, 1)
}

func (r *Runner) transcribe(ctx context.Context, purpose string, pcm []byte) (string, error) {
	// An in-flight transcription outlives a disconnect; callers discard the
	// result once ctx is done.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.TranscribeTimeout)
	defer cancel()
	tctx, span := r.tracer.Start(tctx, "session.transcribe", trace.WithAttributes(
		attribute.String("purpose", purpose),
		attribute.Int("audio.bytes", len(pcm)),
	))
	defer span.End()

	start := time.Now()
	res, err := r.caps.Transcriber.Transcribe(tctx, pcm, r.opts.Format.SampleRate, r.opts.Format.Channels)
	r.metrics.transcribed(tctx, purpose, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.capabilityFailure(ctx, "transcriber", err)
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	r.logger.Debug("utterance transcribed", slog.String("purpose", purpose), slog.String("text", text))
	return text, nil
}

func (r *Runner) apply(ctx context.Context, step Step) error {
	for _, msg := range step.Messages {
		if err := r.emit(ctx, msg); err != nil {
			return err
		}
	}
	if err := r.machine.Check(); err != nil {
		r.logger.Error("session invariant violated", slogError(err))
	}
	if step.Outcome == "" {
		return nil
	}

	r.metrics.outcome(ctx, step.Outcome)
	r.logger.Info("command dialogue finished",
		slog.String("outcome", step.Outcome),
		slog.String("command", step.Command))
	r.journal(ctx, eventstore.Entry{
		SessionID: r.opts.ID,
		Kind:      eventstore.KindOutcome,
		State:     r.machine.State().String(),
		Text:      step.Outcome,
		Command:   step.Command,
	})

	switch step.Outcome {
	case protocol.OutcomeConfirmed, protocol.OutcomeCancelled, protocol.OutcomeExpired:
	default:
		return nil
	}
	evt := protocol.CommandEvent{
		SessionID:  r.opts.ID,
		Command:    step.Command,
		Outcome:    step.Outcome,
		Transcript: r.lastTranscript,
		Timestamp:  time.Now().UTC(),
	}
	if r.opts.Executor == nil {
		if step.Action == ActionExecute {
			r.logger.Info("executing command", slog.String("command", step.Command))
		}
		return nil
	}
	if err := r.opts.Executor.Publish(ctx, evt); err != nil {
		r.capabilityFailure(ctx, "executor", err)
		if step.Action == ActionExecute {
			return r.emit(ctx, protocol.Error(err))
		}
	}
	return nil
}

func (r *Runner) emit(ctx context.Context, msg protocol.Message) error {
	if err := r.sink.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	r.journal(ctx, eventstore.Entry{
		SessionID: r.opts.ID,
		Kind:      string(msg.Kind),
		State:     r.machine.State().String(),
		Text:      msg.Text,
		Command:   msg.Command,
	})
	return nil
}

func (r *Runner) journal(ctx context.Context, entry eventstore.Entry) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to record session timeline", slogError(err))
	}
}

func (r *Runner) capabilityFailure(ctx context.Context, capability string, err error) {
	r.metrics.capabilityError(ctx, capability)
	r.logger.Warn("capability failure",
		slog.String("capability", capability),
		slog.String("state", r.machine.State().String()),
		slogError(err))
	if r.opts.Report != nil {
		r.opts.Report(fmt.Errorf("%s: %w", capability, err))
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
