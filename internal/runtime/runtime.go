package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-cockpit/internal/bus"
	"github.com/loqalabs/loqa-cockpit/internal/capability"
	"github.com/loqalabs/loqa-cockpit/internal/config"
	"github.com/loqalabs/loqa-cockpit/internal/dispatch"
	"github.com/loqalabs/loqa-cockpit/internal/eventstore"
	"github.com/loqalabs/loqa-cockpit/internal/natsserver"
	"github.com/loqalabs/loqa-cockpit/internal/session"
	"github.com/loqalabs/loqa-cockpit/internal/stt"
	"github.com/loqalabs/loqa-cockpit/internal/transport"
	"github.com/loqalabs/loqa-cockpit/internal/vocabulary"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	vocab       vocabulary.Vocabulary
	matcher     *vocabulary.Matcher
	recognizers *stt.Factory
	events      *eventstore.Store
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	registry    *capability.Registry
	executor    session.Executor
	sessions    *transport.Handler

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	stopRetention context.CancelFunc
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves clients until ctx is done and then
// shuts down. Configuration failures are returned before any client is
// accepted.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.open(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.metricsHandler())
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("ws_path", r.cfg.HTTP.WSPath),
		slog.String("audio_source", r.cfg.Audio.Source),
		slog.Int("commands", r.vocab.Len()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// open loads the vocabulary and starts the session capabilities, storage and
// bus.
func (r *Runtime) open(ctx context.Context) error {
	vocab, err := vocabulary.Load(r.cfg.Vocabulary.Path)
	if err != nil {
		return fmt.Errorf("load vocabulary: %w", err)
	}
	if err := vocabulary.Validate(vocab); err != nil {
		return fmt.Errorf("invalid vocabulary %s: %w", r.cfg.Vocabulary.Path, err)
	}
	r.vocab = vocab
	r.matcher = vocabulary.NewMatcher(vocab, r.cfg.Vocabulary.FuzzyCutoff)

	r.recognizers, err = stt.NewFactory(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("init speech recognizer: %w", err)
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	retentionCtx, stop := context.WithCancel(context.Background())
	r.stopRetention = stop
	go r.events.RunRetention(retentionCtx, retentionInterval)

	if r.cfg.Bus.Enabled {
		if err := r.openBus(ctx); err != nil {
			return err
		}
	} else {
		r.executor = dispatch.NewLogExecutor(r.logger)
	}

	r.sessions = transport.NewHandler(transport.Config{
		MessageFormat: r.cfg.Session.MessageFormat,
	}, r.runSession, r.logger)
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	var servers []string
	if url := r.nats.ClientURL(); url != "" {
		servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.Node.ID, r.cfg.Bus, r.logger, servers...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.executor = dispatch.NewPublisher(r.bus, r.logger)

	r.registry, err = capability.NewRegistry(context.Background(), r.cfg.Node, r.localCapabilities(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	return nil
}

func (r *Runtime) localCapabilities() []capability.Capability {
	return []capability.Capability{
		{Name: "stt." + r.recognizers.Mode(), Attributes: map[string]string{"language": r.cfg.STT.Language}},
		{Name: "trigger." + r.cfg.Trigger.Mode},
		{Name: "audio." + r.cfg.Audio.Source, Attributes: map[string]string{"sample_rate": fmt.Sprint(r.cfg.Audio.SampleRate)}},
		{Name: "vocabulary", Attributes: map[string]string{"commands": fmt.Sprint(r.vocab.Len())}},
	}
}

func (r *Runtime) close(ctx context.Context) {
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.stopRetention != nil {
		r.stopRetention()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.recognizers != nil {
		if err := r.recognizers.Close(); err != nil {
			r.logger.Error("speech recognizer close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(r.cfg.HTTP.WSPath, r.sessions)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/nodes", r.handleNodes)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}", r.handleTimeline)
	return withSentryRecovery(mux)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.isReady(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady(ctx context.Context) bool {
	if !r.ready.Load() || r.events == nil || !r.events.Healthy(ctx) {
		return false
	}
	if r.nats != nil && !r.nats.Running() {
		return false
	}
	return r.bus == nil || r.bus.Healthy()
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if r.registry != nil {
		nodes = append(nodes, r.registry.Query(nil)...)
	}
	writeJSON(w, http.StatusOK, nodes)
}

type sessionView struct {
	eventstore.Session
	Timeline []eventstore.Entry `json:",omitempty"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	sessions, err := r.events.RecentSessions(req.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sess, err := r.events.LookupSession(req.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	entries, err := r.events.Timeline(req.Context(), id, 500)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, Timeline: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
