package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/dispatch"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
	"github.com/loqalabs/loqa-cockpit/internal/vocabulary"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "expected 'validate', 'match', 'watch' or 'version'")
		return 2
	}

	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		fs.SetOutput(stderr)
		path := fs.String("file", "commands.json", "Path to vocabulary file")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		v, err := loadVocabulary(*path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "vocabulary valid (%d commands)\n", v.Len())
	case "match":
		fs := flag.NewFlagSet("match", flag.ContinueOnError)
		fs.SetOutput(stderr)
		path := fs.String("file", "commands.json", "Path to vocabulary file")
		text := fs.String("text", "", "Transcript to match")
		cutoff := fs.Float64("cutoff", config.Default().Vocabulary.FuzzyCutoff, "Fuzzy match cutoff")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		v, err := loadVocabulary(*path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		command, ok := vocabulary.NewMatcher(v, *cutoff).Match(*text)
		if !ok {
			fmt.Fprintln(stdout, "no match")
			return 1
		}
		fmt.Fprintf(stdout, "%s (similarity %.2f)\n", command, vocabulary.Similarity(command, *text))
	case "watch":
		fs := flag.NewFlagSet("watch", flag.ContinueOnError)
		fs.SetOutput(stderr)
		configPath := fs.String("config", "cockpit.yaml", "Path to configuration file")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if err := runWatch(*configPath, stdout, stderr); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		return 2
	}
	return 0
}

func loadVocabulary(path string) (vocabulary.Vocabulary, error) {
	v, err := vocabulary.Load(path)
	if err != nil {
		return v, err
	}
	return v, vocabulary.Validate(v)
}

// runWatch prints every command outcome published by cockpitd as a JSON
// line until interrupted.
func runWatch(configPath string, stdout, stderr io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Bus.Enabled {
		return fmt.Errorf("bus is disabled in %s", configPath)
	}
	var servers []string
	if cfg.Bus.Embedded {
		servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := bus.Connect(ctx, "cockpit-vocab", cfg.Bus, logger, servers...)
	if err != nil {
		return err
	}
	defer client.Close()

	enc := json.NewEncoder(stdout)
	unsubscribe, err := dispatch.Watch(client, logger, func(evt protocol.CommandEvent) {
		_ = enc.Encode(evt)
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
