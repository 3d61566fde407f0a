package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"

	"github.com/obsidianstack/logship/agent/internal/stats"
	"github.com/obsidianstack/logship/agent/internal/worker"
)

const (
	defaultFlushTimeout = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
	apiKeyHeader        = "X-API-Key"
)

// Target is the shipper the admin server reports on and controls.
type Target interface {
	Destination() string
	State() worker.State
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (stats.Snapshot, error)
	Gather(ctx context.Context) []*dto.MetricFamily
}

// Options configures the admin server.
type Options struct {
	// Addr is the listen address, e.g. ":9464".
	Addr string

	// APIKey, when set, must be presented in X-API-Key to POST /flush.
	APIKey string

	// FlushTimeout bounds a POST /flush. Zero means 30s.
	FlushTimeout time.Duration

	Logger *slog.Logger
}

// NewRouter wires the admin endpoints.
// Public: /healthz, /stats, /metrics
// Key-protected when Options.APIKey is set: POST /flush
func NewRouter(t Target, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	// Healthy while the worker is running; 503 once it drains or stops.
	r.GET("/healthz", func(c *gin.Context) {
		state := t.State()
		code, status := http.StatusOK, "ok"
		if state != worker.Running {
			code, status = http.StatusServiceUnavailable, "unavailable"
		}
		c.JSON(code, gin.H{
			"status":      status,
			"state":       state.String(),
			"destination": t.Destination(),
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		snap, err := t.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"destination":    t.Destination(),
			"enqueued":       snap.Enqueued,
			"enqueue_errors": snap.EnqueueErrors,
			"delivered":      snap.Delivered,
			"requeued":       snap.Requeued,
			"expired":        snap.Expired,
			"send_failures":  snap.SendFailures,
			"batches_sent":   snap.BatchesSent,
			"pending_free":   snap.Free,
			"pending_leased": snap.Leased,
		})
	})

	r.GET("/metrics", func(c *gin.Context) {
		c.Header("Content-Type", string(stats.TextFormat))
		c.Status(http.StatusOK)
		if err := stats.WriteText(c.Writer, t.Gather(c.Request.Context())); err != nil {
			_ = c.Error(err)
		}
	})

	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	r.POST("/flush", apiKeyMiddleware(opts.APIKey), func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), flushTimeout)
		defer cancel()

		err := t.Flush(ctx)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "flushed"})
		case errors.Is(err, worker.ErrFlushFailed):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "flush timed out"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		}
	})

	return r
}

// apiKeyMiddleware rejects requests whose X-API-Key does not match key.
// An empty key disables the check.
func apiKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := strings.TrimSpace(c.GetHeader(apiKeyHeader))
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Server serves the admin router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New builds a Server for t. Nothing listens until Run.
func New(t Target, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              opts.Addr,
			Handler:           NewRouter(t, opts),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run listens on the configured address and blocks until ctx is cancelled,
// then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin: listening", "addr", lis.Addr().String())
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("admin: shutdown: %w", err)
		}
		return nil
	}
}
