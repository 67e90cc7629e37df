package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-cockpit/internal/protocol"
)

// ErrClosed is returned by Send once the connection is gone.
var ErrClosed = errors.New("connection closed")

// Conn is one client connection. Status messages go out through a single
// writer goroutine; binary frames received from the client are handed to the
// audio sink, if one is set.
type Conn struct {
	id         string
	remoteAddr string
	query      url.Values
	format     string

	ws     *websocket.Conn
	logger *slog.Logger
	out    chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	audio     io.Writer
	writeErr  error
	audioErrs int
}

func newConn(parent context.Context, id string, ws *websocket.Conn, remoteAddr string, query url.Values, cfg Config, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		query:      query,
		format:     cfg.MessageFormat,
		ws:         ws,
		logger:     logger,
		out:        make(chan []byte, cfg.OutboundDepth),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Query returns a query parameter from the upgrade request.
func (c *Conn) Query(key string) string { return c.query.Get(key) }

// Context is cancelled when the client goes away or the socket fails.
func (c *Conn) Context() context.Context { return c.ctx }

// SetAudioSink routes binary frames from the client to w. Frames arriving
// while no sink is set are dropped.
func (c *Conn) SetAudioSink(w io.Writer) {
	c.mu.Lock()
	c.audio = w
	c.mu.Unlock()
}

// Send queues msg for delivery. Messages are written in the order Send was
// called.
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := msg.Encode(c.format)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := c.closedErr(); err != nil {
		return err
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.ctx.Done():
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	if c.ctx.Err() == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, c.writeErr)
	}
	return ErrClosed
}

func (c *Conn) start(pingInterval, writeTimeout time.Duration) {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	w := &outboundWriter{
		ws:           c.ws,
		ctx:          c.ctx,
		frames:       c.out,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := w.Run(); err != nil && !isExpectedClose(err) {
			c.mu.Lock()
			c.writeErr = err
			c.mu.Unlock()
			c.logger.Warn("websocket write failed", slog.String("error", err.Error()))
		}
		c.cancel()
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(2*pingInterval + writeTimeout)
	}()
}

func (c *Conn) readLoop(idle time.Duration) {
	defer c.cancel()
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !isExpectedClose(err) {
				c.logger.Info("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		if kind != websocket.BinaryMessage {
			c.logger.Debug("ignoring text frame from client", slog.Int("bytes", len(data)))
			continue
		}
		c.mu.Lock()
		sink := c.audio
		c.mu.Unlock()
		if sink == nil {
			continue
		}
		if _, err := sink.Write(data); err != nil {
			c.audioErrs++
			if c.audioErrs == 1 {
				c.logger.Warn("dropping client audio", slog.String("error", err.Error()))
			}
		}
	}
}

// close stops both pumps and waits for them. The writer flushes queued
// messages and sends a close frame first.
func (c *Conn) close() {
	c.cancel()
	c.wg.Wait()
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent)
}
