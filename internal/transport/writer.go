package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

type wsWriter interface {
	SetWriteDeadline(time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter owns every write on the socket so frames leave in the order
// they were queued.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	frames       <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (w *outboundWriter) Run() error {
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flush(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return w.ws.Close()
		case payload, ok := <-w.frames:
			if !ok {
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return w.ws.Close()
			}
			if err := w.writeFrame(payload, writeTimeout); err != nil {
				_ = w.ws.Close()
				return err
			}
		case <-ticker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}

// flush writes frames queued before shutdown, e.g. a final error status.
func (w *outboundWriter) flush(writeTimeout time.Duration) {
	for {
		select {
		case payload, ok := <-w.frames:
			if !ok {
				return
			}
			if err := w.writeFrame(payload, writeTimeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(payload []byte, writeTimeout time.Duration) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
