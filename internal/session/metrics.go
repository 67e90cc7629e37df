package session

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-cockpit/session"

type instruments struct {
	active     metric.Int64UpDownCounter
	triggers   metric.Int64Counter
	commands   metric.Int64Counter
	capability metric.Int64Counter
	transcribe metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *instruments
)

// sessionMetrics returns the shared instruments. A failed instrument is left
// nil and skipped.
func sessionMetrics(logger *slog.Logger) *instruments {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		inst := &instruments{}
		var err error
		if inst.active, err = meter.Int64UpDownCounter("cockpit.sessions.active",
			metric.WithDescription("Connected command sessions")); err != nil {
			logger.Warn("failed to create metric", slog.String("metric", "cockpit.sessions.active"), slogError(err))
		}
		if inst.triggers, err = meter.Int64Counter("cockpit.triggers",
			metric.WithDescription("Trigger words detected")); err != nil {
			logger.Warn("failed to create metric", slog.String("metric", "cockpit.triggers"), slogError(err))
		}
		if inst.commands, err = meter.Int64Counter("cockpit.commands",
			metric.WithDescription("Command dialogue outcomes")); err != nil {
			logger.Warn("failed to create metric", slog.String("metric", "cockpit.commands"), slogError(err))
		}
		if inst.capability, err = meter.Int64Counter("cockpit.capability.errors",
			metric.WithDescription("Trigger, transcription and execution failures")); err != nil {
			logger.Warn("failed to create metric", slog.String("metric", "cockpit.capability.errors"), slogError(err))
		}
		if inst.transcribe, err = meter.Float64Histogram("cockpit.transcribe.duration",
			metric.WithDescription("Transcription latency"), metric.WithUnit("ms")); err != nil {
			logger.Warn("failed to create metric", slog.String("metric", "cockpit.transcribe.duration"), slogError(err))
		}
		metricsInst = inst
	})
	return metricsInst
}

func (i *instruments) sessionStarted(ctx context.Context, delta int64) {
	if i.active != nil {
		i.active.Add(ctx, delta)
	}
}

func (i *instruments) triggered(ctx context.Context) {
	if i.triggers != nil {
		i.triggers.Add(ctx, 1)
	}
}

func (i *instruments) outcome(ctx context.Context, outcome string) {
	if i.commands != nil && outcome != "" {
		i.commands.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (i *instruments) capabilityError(ctx context.Context, capability string) {
	if i.capability != nil {
		i.capability.Add(ctx, 1, metric.WithAttributes(attribute.String("capability", capability)))
	}
}

func (i *instruments) transcribed(ctx context.Context, purpose string, ms float64) {
	if i.transcribe != nil {
		i.transcribe.Record(ctx, ms, metric.WithAttributes(attribute.String("purpose", purpose)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
