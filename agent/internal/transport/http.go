package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/obsidianstack/logship/agent/internal/config"
)

// maxErrorBody caps how much of a rejected response body is kept for the error.
const maxErrorBody = 512

// StatusError reports a non-2xx reply from the collector.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("collector returned HTTP %d: %s", e.Code, e.Body)
}

// httpTransport POSTs batches to the collector. Each call issues one request,
// or one per sub-batch of maxEvents when that is set; the call fails as soon
// as any request fails.
type httpTransport struct {
	url       string
	encoding  string
	maxEvents int
	client    *http.Client
	comp      *compressor
	logger    *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newHTTP(cfg config.AgentConfig, tlsCfg *tls.Config, logger *slog.Logger) (*httpTransport, error) {
	comp, err := newCompressor(cfg.HTTP.Compression)
	if err != nil {
		return nil, fmt.Errorf("transport: http: %w", err)
	}

	scheme := "http"
	if tlsCfg != nil {
		scheme = "https"
	}
	path := cfg.HTTP.Path
	if path == "" {
		path = "/"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address(), Path: path}

	return &httpTransport{
		url:       u.String(),
		encoding:  cfg.HTTP.Encoding,
		maxEvents: cfg.HTTP.MaxRequestEvents,
		client:    buildHTTPClient(cfg, tlsCfg),
		comp:      comp,
		logger:    logger,
	}, nil
}

func (h *httpTransport) Send(ctx context.Context, batch [][]byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}

	step := len(batch)
	if h.maxEvents > 0 && h.maxEvents < step {
		step = h.maxEvents
	}
	for start := 0; start < len(batch); start += step {
		end := min(start+step, len(batch))
		if err := h.post(ctx, batch[start:end]); err != nil {
			return fmt.Errorf("transport: http: %w", err)
		}
	}
	return nil
}

func (h *httpTransport) post(ctx context.Context, batch [][]byte) error {
	body, contentType, err := encodeBody(h.encoding, batch)
	if err != nil {
		return err
	}
	body, contentEncoding, err := h.comp.compress(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *httpTransport) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.client.CloseIdleConnections()
		h.comp.close()
	})
	return nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.Header, t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client honouring the agent's timeout,
// TLS and auth settings.
func buildHTTPClient(cfg config.AgentConfig, tlsCfg *tls.Config) *http.Client {
	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.Timeout}).DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: cfg.Timeout,
		MaxIdleConnsPerHost: 2,
	}
	return &http.Client{
		Transport: &authRoundTripper{base: base, auth: cfg.HTTP.Auth},
		Timeout:   cfg.Timeout,
	}
}
