package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config controls the websocket endpoint.
type Config struct {
	// MessageFormat is "text" (literal phrases) or "json" (structured envelope).
	MessageFormat string
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	OutboundDepth int
	ReadLimit     int64
}

// RunFunc serves one connection. It returns when the session is over; the
// connection is closed afterwards.
type RunFunc func(ctx context.Context, conn *Conn) error

// Handler upgrades requests to websocket sessions, one RunFunc per client.
type Handler struct {
	cfg      Config
	run      RunFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
	closed atomic.Bool
}

func NewHandler(cfg Config, run RunFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageFormat == "" {
		cfg.MessageFormat = "text"
	}
	if cfg.OutboundDepth <= 0 {
		cfg.OutboundDepth = 64
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:    cfg,
		run:    run,
		logger: logger.With(slog.String("component", "transport")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	h.wg.Add(1)
	defer h.wg.Done()
	h.active.Add(1)
	defer h.active.Add(-1)

	id := uuid.NewString()
	logger := h.logger.With(slog.String("session_id", id), slog.String("remote_addr", r.RemoteAddr))
	conn := newConn(h.ctx, id, ws, r.RemoteAddr, r.URL.Query(), h.cfg, logger)
	conn.start(h.cfg.PingInterval, h.cfg.WriteTimeout)
	defer conn.close()

	logger.Info("client connected")
	err = h.run(conn.Context(), conn)
	switch {
	case err == nil:
		logger.Info("client session finished")
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		logger.Info("client session finished", slog.String("reason", err.Error()))
	default:
		logger.Warn("client session failed", slog.String("error", err.Error()))
	}
}

// Active reports the number of connected clients.
func (h *Handler) Active() int64 { return h.active.Load() }

// Close disconnects every client and waits for their sessions to return.
func (h *Handler) Close() {
	h.closed.Store(true)
	h.cancel()
	h.wg.Wait()
}
