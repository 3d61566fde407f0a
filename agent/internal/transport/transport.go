package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/obsidianstack/logship/agent/internal/config"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Transport delivers a batch of serialized events to the collector.
//
// Send either accepts the whole batch (nil) or fails it as a unit; there is
// no partial success. Implementations are driven by a single goroutine but
// tolerate Close racing with Send. Close is idempotent.
type Transport interface {
	Send(ctx context.Context, batch [][]byte) error
	Close() error
}

// New returns the Transport selected by cfg.Transport. No connection is made
// until the first Send.
func New(cfg config.AgentConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsCfg, err := buildTLSConfig(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("transport %q: %w", cfg.Transport, err)
	}

	switch cfg.Transport {
	case "tcp":
		return newTCP(cfg.Address(), cfg.Timeout, tlsCfg, logger), nil
	case "udp":
		return newUDP(cfg.Address(), cfg.Timeout, logger), nil
	case "websocket":
		return newWebSocket(cfg, tlsCfg, logger), nil
	case "http":
		return newHTTP(cfg, tlsCfg, logger)
	default:
		return nil, fmt.Errorf("transport: unsupported type %q", cfg.Transport)
	}
}

// delimiter terminates every record on line-framed transports.
const delimiter = '\n'

// frame appends each payload followed by the record delimiter to dst.
func frame(dst []byte, batch [][]byte) []byte {
	for _, p := range batch {
		dst = append(dst, p...)
		dst = append(dst, delimiter)
	}
	return dst
}
