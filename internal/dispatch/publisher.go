package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bus is the slice of the NATS client the dispatcher uses.
type Bus interface {
	PublishJSON(subject string, v any) error
	Subscribe(subject string, handler nats.MsgHandler) (func() error, error)
}

// Publisher announces finished command dialogues. Consumers subscribed to
// cockpit.command.confirmed perform the actual command.
type Publisher struct {
	bus    Bus
	logger *slog.Logger
}

func NewPublisher(bus Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger.With(slog.String("component", "dispatch"))}
}

func (p *Publisher) Publish(_ context.Context, evt protocol.CommandEvent) error {
	if evt.Command == "" {
		return errors.New("command event without command")
	}
	subject := protocol.SubjectForOutcome(evt.Outcome)
	if err := p.bus.PublishJSON(subject, evt); err != nil {
		return fmt.Errorf("dispatch %s: %w", evt.Command, err)
	}
	p.logger.Info("command event published",
		slog.String("subject", subject),
		slog.String("session_id", evt.SessionID),
		slog.String("command", evt.Command))
	return nil
}

// LogExecutor stands in for the bus when it is disabled: outcomes are only
// logged.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger.With(slog.String("component", "dispatch"))}
}

func (e *LogExecutor) Publish(_ context.Context, evt protocol.CommandEvent) error {
	e.logger.Info("command outcome (bus disabled)",
		slog.String("outcome", evt.Outcome),
		slog.String("session_id", evt.SessionID),
		slog.String("command", evt.Command))
	return nil
}

// Watch delivers command events for the given outcomes (all when empty) until
// the returned stop function is called.
func Watch(bus Bus, logger *slog.Logger, handler func(protocol.CommandEvent), outcomes ...string) (func() error, error) {
	if len(outcomes) == 0 {
		outcomes = []string{protocol.OutcomeConfirmed, protocol.OutcomeCancelled, protocol.OutcomeExpired}
	}
	var stops []func() error
	stopAll := func() error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop())
		}
		return errors.Join(errs...)
	}
	for _, outcome := range outcomes {
		stop, err := bus.Subscribe(protocol.SubjectForOutcome(outcome), func(msg *nats.Msg) {
			var evt protocol.CommandEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				logger.Warn("failed to decode command event", slog.String("error", err.Error()))
				return
			}
			handler(evt)
		})
		if err != nil {
			_ = stopAll()
			return nil, err
		}
		stops = append(stops, stop)
	}
	return stopAll, nil
}
