// ws.go holds the connection core shared by the market and user feeds:
// dial, initial subscription, application-level ping, stale detection via
// read deadline, and reconnection.
//
// Backoff policy: 2s doubling per consecutive failure, capped at 30s. After
// 50 consecutive failures the feed drops to a fixed retry interval and keeps
// trying forever; the venue being down is not a reason to exit.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval     = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsBackoffBase      = 2 * time.Second
	wsBackoffCap       = 30 * time.Second
	wsBackoffAttempts  = 50 // failures before dropping to the fixed tier
	wsFixedRetry       = 60 * time.Second
	wsEventBufferSize  = 256
	wsOrderBufferSize  = 64
)

// wsConn is the reconnecting connection core. The owning feed supplies the
// subscription message and the message handler.
type wsConn struct {
	url          string
	channel      string // "market" or "user", for logs
	staleTimeout time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	onConnect func() error // sends the full subscription; runs after dial
	onMessage func(data []byte)

	logger *slog.Logger
}

// Run dials and maintains the connection until ctx is cancelled.
func (w *wsConn) Run(ctx context.Context) error {
	failures := 0
	for {
		err := w.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++

		var wait time.Duration
		if failures > wsBackoffAttempts {
			wait = wsFixedRetry
		} else {
			wait = wsBackoffBase << (failures - 1)
			if wait > wsBackoffCap || wait <= 0 {
				wait = wsBackoffCap
			}
		}
		w.logger.Warn("websocket disconnected, reconnecting",
			"channel", w.channel, "error", err, "backoff", wait, "failures", failures)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *wsConn) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()
	defer func() {
		w.connMu.Lock()
		conn.Close()
		w.conn = nil
		w.connMu.Unlock()
	}()

	if err := w.onConnect(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Info("websocket connected", "channel", w.channel)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go w.pingLoop(pingCtx)

	// The read deadline doubles as the stale detector: no data within the
	// stale window forces a reconnect.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(w.staleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.onMessage(msg)
	}
}

func (w *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				w.logger.Warn("ping failed", "channel", w.channel, "error", err)
				return
			}
		}
	}
}

func (w *wsConn) writeJSON(v any) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writeMessage(msgType int, data []byte) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(msgType, data)
}

// Close force-closes the current socket; Run will reconnect unless its
// context is done.
func (w *wsConn) Close() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
