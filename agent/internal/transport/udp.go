package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// udpTransport sends one datagram per payload. Delivery is best effort at
// the network level; a Send only fails when the local socket rejects a write.
type udpTransport struct {
	addr    string
	timeout time.Duration
	logger  *slog.Logger
	dial    dialFunc

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func newUDP(addr string, timeout time.Duration, logger *slog.Logger) *udpTransport {
	return &udpTransport{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
		dial: func(ctx context.Context) (net.Conn, error) {
			nd := &net.Dialer{Timeout: timeout}
			return nd.DialContext(ctx, "udp", addr)
		},
	}
}

func (u *udpTransport) Send(ctx context.Context, batch [][]byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}

	if u.conn == nil {
		conn, err := u.dial(ctx)
		if err != nil {
			return fmt.Errorf("transport: udp: dial %s: %w", u.addr, err)
		}
		u.conn = conn
	}

	var datagram []byte
	for _, p := range batch {
		datagram = append(append(datagram[:0], p...), delimiter)
		if err := u.conn.SetWriteDeadline(writeDeadline(ctx, u.timeout)); err != nil {
			u.dropConn()
			return fmt.Errorf("transport: udp: set deadline: %w", err)
		}
		if _, err := u.conn.Write(datagram); err != nil {
			u.dropConn()
			return fmt.Errorf("transport: udp: write: %w", err)
		}
	}
	return nil
}

func (u *udpTransport) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *udpTransport) dropConn() {
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
}
