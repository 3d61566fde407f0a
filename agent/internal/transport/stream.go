package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// dialFunc opens a connection to the collector.
// Abstracted so tests can inject failing or in-memory connections.
type dialFunc func(ctx context.Context) (net.Conn, error)

// tcpTransport keeps one persistent connection and writes every payload
// followed by a newline. Success means the kernel accepted the bytes; there
// is no application-level acknowledgement. After a write error the
// connection is dropped and re-dialled lazily on the next Send.
type tcpTransport struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	dial    dialFunc

	mu     sync.Mutex
	conn   net.Conn
	buf    []byte
	closed bool
}

func newTCP(addr string, timeout time.Duration, tlsCfg *tls.Config, logger *slog.Logger) *tcpTransport {
	t := &tcpTransport{addr: addr, timeout: timeout, logger: logger}
	t.dial = func(ctx context.Context) (net.Conn, error) {
		nd := &net.Dialer{Timeout: timeout}
		if tlsCfg == nil {
			return nd.DialContext(ctx, "tcp", addr)
		}
		td := &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return t
}

func (t *tcpTransport) Send(ctx context.Context, batch [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}

	if t.conn == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			return fmt.Errorf("transport: tcp: dial %s: %w", t.addr, err)
		}
		t.logger.Debug("transport: tcp connected", "addr", t.addr)
		t.conn = conn
	}

	t.buf = frame(t.buf[:0], batch)
	if err := t.conn.SetWriteDeadline(writeDeadline(ctx, t.timeout)); err != nil {
		t.dropConn()
		return fmt.Errorf("transport: tcp: set deadline: %w", err)
	}
	if _, err := t.conn.Write(t.buf); err != nil {
		t.dropConn()
		return fmt.Errorf("transport: tcp: write: %w", err)
	}
	return nil
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// dropConn closes and forgets the current connection. Caller holds mu.
func (t *tcpTransport) dropConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// writeDeadline is now+timeout, or the context deadline if that is sooner.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
