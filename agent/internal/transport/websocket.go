package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/logship/agent/internal/config"
)

// wsTransport writes each payload as one text message over a persistent
// websocket connection. The collector is never expected to reply; inbound
// frames are read and discarded so control messages are still processed.
type wsTransport struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWebSocket(cfg config.AgentConfig, tlsCfg *tls.Config, logger *slog.Logger) *wsTransport {
	scheme := "ws"
	if tlsCfg != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address(), Path: cfg.WebSocket.Path}
	return &wsTransport{
		url:     u.String(),
		timeout: cfg.Timeout,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
			TLSClientConfig:  tlsCfg,
		},
	}
}

func (w *wsTransport) Send(ctx context.Context, batch [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if w.conn == nil {
		conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("transport: websocket: dial %s: %w", w.url, err)
		}
		w.logger.Debug("transport: websocket connected", "url", w.url)
		w.conn = conn
		go discardReads(conn)
	}

	for _, p := range batch {
		if err := w.conn.SetWriteDeadline(writeDeadline(ctx, w.timeout)); err != nil {
			w.dropConn()
			return fmt.Errorf("transport: websocket: set deadline: %w", err)
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
			w.dropConn()
			return fmt.Errorf("transport: websocket: write: %w", err)
		}
	}
	return nil
}

func (w *wsTransport) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.timeout))
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *wsTransport) dropConn() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// discardReads pumps inbound frames until the connection fails, then closes
// it so the next write fails fast and Send redials. gorilla only handles ping
// and close frames from inside a read call.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			_ = conn.Close()
			return
		}
	}
}
