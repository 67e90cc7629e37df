package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/natsserver"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), "dispatch-test", cfg, newLogger(), srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishRoutesByOutcome(t *testing.T) {
	client := startBus(t)

	received := make(chan protocol.CommandEvent, 4)
	stop, err := Watch(client, newLogger(), func(evt protocol.CommandEvent) { received <- evt })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, newLogger())
	for _, outcome := range []string{protocol.OutcomeConfirmed, protocol.OutcomeCancelled, protocol.OutcomeExpired} {
		evt := protocol.CommandEvent{SessionID: "s1", Command: "engage autopilot", Outcome: outcome, Timestamp: time.Now().UTC()}
		if err := pub.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish %s: %v", outcome, err)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case evt := <-received:
			if evt.Command != "engage autopilot" || evt.SessionID != "s1" {
				t.Fatalf("unexpected event %+v", evt)
			}
			seen[evt.Outcome] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}
	if len(seen) != 3 {
		t.Fatalf("expected three distinct outcomes, got %v", seen)
	}
}

func TestWatchFiltersOutcomes(t *testing.T) {
	client := startBus(t)

	received := make(chan protocol.CommandEvent, 4)
	stop, err := Watch(client, newLogger(), func(evt protocol.CommandEvent) { received <- evt }, protocol.OutcomeConfirmed)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, newLogger())
	_ = pub.Publish(context.Background(), protocol.CommandEvent{Command: "flaps up", Outcome: protocol.OutcomeCancelled})
	_ = pub.Publish(context.Background(), protocol.CommandEvent{Command: "gear down", Outcome: protocol.OutcomeConfirmed})

	select {
	case evt := <-received:
		if evt.Command != "gear down" {
			t.Fatalf("expected only the confirmed command, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the confirmed event")
	}
}

func TestPublishRejectsEmptyCommand(t *testing.T) {
	pub := NewPublisher(nil, newLogger())
	if err := pub.Publish(context.Background(), protocol.CommandEvent{Outcome: protocol.OutcomeConfirmed}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLogExecutorAcceptsEverything(t *testing.T) {
	exec := NewLogExecutor(newLogger())
	if err := exec.Publish(context.Background(), protocol.CommandEvent{Command: "gear down", Outcome: protocol.OutcomeExpired}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
