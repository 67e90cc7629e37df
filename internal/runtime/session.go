package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/audio"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/session"
	"github.com/loqalabs/loqa-cockpit/internal/transport"
	"github.com/loqalabs/loqa-cockpit/internal/trigger"
)

// Session end reasons recorded in the event store.
const (
	endDisconnected     = "disconnected"
	endTransportFailure = "transport_failure"
	endAudioEnded       = "audio_ended"
	endCaptureFailed    = "capture_failed"
	endCapabilityFailed = "capability_failure"
)

// runSession serves one websocket client: it opens the session's audio
// capture and capabilities, then drives the command dialogue until the client
// leaves or the audio source stops.
func (r *Runtime) runSession(ctx context.Context, conn *transport.Conn) error {
	id := conn.ID()
	logger := r.logger.With(slog.String("session_id", id))
	format := audio.Format{
		SampleRate: r.cfg.Audio.SampleRate,
		Channels:   r.cfg.Audio.Channels,
		ChunkSize:  r.cfg.Audio.ChunkSize,
	}

	if err := r.events.BeginSession(ctx, eventstore.Session{
		ID:         id,
		RemoteAddr: conn.RemoteAddr(),
		Source:     r.cfg.Audio.Source,
	}); err != nil {
		logger.Warn("failed to record session start", slogError(err))
	}
	reason := endDisconnected
	defer func() {
		if err := r.events.EndSession(context.WithoutCancel(ctx), id, reason); err != nil {
			logger.Warn("failed to record session end", slogError(err))
		}
	}()
	report := r.reporter(id)

	source, err := r.audioSource(conn, logger)
	if err != nil {
		reason = endCaptureFailed
		return r.refuse(ctx, conn, err, report)
	}

	caps, closeCaps, err := r.capabilities(ctx, format, logger)
	if err != nil {
		reason = endCapabilityFailed
		return r.refuse(ctx, conn, err, report)
	}
	defer closeCaps()

	queue := audio.NewQueue(r.cfg.Audio.QueueDepth)
	feed := audio.NewFeed(queue, audio.BytesPerChunk(format.ChunkSize, format.Channels))
	if r.cfg.Audio.Source == "websocket" {
		conn.SetAudioSink(feed)
		defer conn.SetAudioSink(nil)
	}
	capture, err := source.Open(ctx, format, feed)
	if err != nil {
		reason = endCaptureFailed
		return r.refuse(ctx, conn, fmt.Errorf("open audio: %w", err), report)
	}
	defer func() {
		if err := capture.Stop(); err != nil {
			logger.Warn("audio capture stop failed", slogError(err))
		}
		queue.Close()
		if dropped := queue.Dropped(); dropped > 0 {
			logger.Info("audio chunks dropped on overflow", slog.Int64("chunks", dropped))
		}
	}()

	runner := session.NewRunner(session.Options{
		ID: id,
		Limits: session.Limits{
			SilenceThreshold: r.cfg.Session.SilenceThresholdChunks,
			MaxAttempts:      r.cfg.Session.MaxAttempts,
			ConfirmWord:      r.cfg.Session.ConfirmWord,
			CancelWord:       r.cfg.Session.CancelWord,
		},
		TriggerWords:      r.cfg.Trigger.Words,
		Format:            format,
		SettleDelay:       time.Duration(r.cfg.Session.SettleDelayMS) * time.Millisecond,
		ConfirmWindow:     time.Duration(r.cfg.Session.ConfirmDurationMS) * time.Millisecond,
		PollInterval:      time.Duration(r.cfg.Session.PollIntervalMS) * time.Millisecond,
		TranscribeTimeout: time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond,
		Logger:            r.logger,
		Executor:          r.executor,
		Journal:           r.events,
		Report:            report,
	}, caps, queue, conn)

	err = runner.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrTransport):
		reason = endTransportFailure
	default:
		reason = endAudioEnded
	}
	return err
}

// refuse tells the client why its session cannot start.
func (r *Runtime) refuse(ctx context.Context, conn *transport.Conn, err error, report func(error)) error {
	if report != nil {
		report(err)
	}
	if sendErr := conn.Send(ctx, protocol.Error(err)); sendErr != nil {
		return errors.Join(err, sendErr)
	}
	return err
}

func (r *Runtime) audioSource(conn *transport.Conn, logger *slog.Logger) (audio.Source, error) {
	switch r.cfg.Audio.Source {
	case "websocket":
		return audio.ExternalSource{}, nil
	case "portaudio":
		return audio.NewPortAudioSource(), nil
	case "bus":
		device := conn.Query("device")
		if device == "" {
			return nil, errors.New("device query parameter is required for bus audio")
		}
		if r.bus == nil {
			return nil, errors.New("bus audio requires the bus")
		}
		if r.registry != nil {
			if _, ok := r.registry.Device(device); !ok {
				logger.Warn("audio device has not announced itself", slog.String("device", device))
			}
		}
		return audio.NewBusSource(r.bus, device, logger), nil
	default:
		return audio.NewFFmpegSource(r.cfg.Audio.RecorderCommand, r.cfg.Audio.InputFormat, r.cfg.Audio.InputDevice, logger), nil
	}
}

// capabilities builds the recognition adapters owned by one session.
func (r *Runtime) capabilities(ctx context.Context, format audio.Format, logger *slog.Logger) (session.Capabilities, func(), error) {
	transcriber, err := r.recognizers.New()
	if err != nil {
		return session.Capabilities{}, nil, fmt.Errorf("create transcriber: %w", err)
	}

	var detector trigger.Detector
	switch r.cfg.Trigger.Mode {
	case "exec":
		detector, err = trigger.StartExecDetector(ctx, r.cfg.Trigger.Command, format.SampleRate, format.Channels, logger)
		if err != nil {
			return session.Capabilities{}, nil, fmt.Errorf("start trigger detector: %w", err)
		}
	default:
		spotter, err := r.recognizers.New()
		if err != nil {
			return session.Capabilities{}, nil, fmt.Errorf("create trigger recognizer: %w", err)
		}
		detector = trigger.NewWindowDetector(spotter, r.cfg.Trigger.WindowChunks, r.cfg.Trigger.StrideChunks, format.SampleRate, format.Channels)
	}

	closeFn := func() {
		if err := detector.Close(); err != nil {
			logger.Debug("trigger detector close", slogError(err))
		}
	}
	return session.Capabilities{
		Detector:    detector,
		Transcriber: transcriber,
		Matcher:     r.matcher,
	}, closeFn, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
