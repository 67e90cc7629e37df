package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Subscriber is the slice of the bus client a BusSource needs.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (func() error, error)
}

// BusSource consumes protocol.AudioFrame messages published by a remote
// device on audio.frame.<device>.
type BusSource struct {
	bus    Subscriber
	device string
	logger *slog.Logger
}

func NewBusSource(bus Subscriber, device string, logger *slog.Logger) *BusSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusSource{
		bus:    bus,
		device: device,
		logger: logger.With(slog.String("component", "audio.bus"), slog.String("device", device)),
	}
}

func (s *BusSource) Open(ctx context.Context, format Format, sink io.Writer) (Capture, error) {
	if s.device == "" {
		return nil, errors.New("bus audio source requires a device id")
	}
	var (
		mu      sync.Mutex
		stopped bool
		lastSeq = -1
	)
	unsubscribe, err := s.bus.Subscribe(protocol.AudioFrameSubject(s.device), func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			s.logger.Warn("discarding malformed audio frame", slog.String("error", err.Error()))
			return
		}
		if frame.SampleRate != 0 && frame.SampleRate != format.SampleRate {
			s.logger.Warn("discarding audio frame with unexpected sample rate",
				slog.Int("sample_rate", frame.SampleRate),
				slog.Int("expected", format.SampleRate))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if lastSeq >= 0 && frame.Sequence > lastSeq+1 {
			s.logger.Debug("audio frames skipped", slog.Int("from", lastSeq+1), slog.Int("to", frame.Sequence-1))
		}
		lastSeq = frame.Sequence
		_, _ = sink.Write(frame.PCM)
	})
	if err != nil {
		return nil, fmt.Errorf("open bus audio source: %w", err)
	}
	return &busCapture{stop: func() error {
		mu.Lock()
		stopped = true
		mu.Unlock()
		return unsubscribe()
	}}, nil
}

type busCapture struct {
	once sync.Once
	stop func() error
	err  error
}

func (c *busCapture) Stop() error {
	c.once.Do(func() { c.err = c.stop() })
	return c.err
}
