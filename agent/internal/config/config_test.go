package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  host: logstash.internal
  port: 5959
  transport: http
  timeout: 2s
  batch_size: 50
  event_ttl: 1h
  idle_interval: 3s
  backoff:
    initial: 500ms
    max: 10s
  tls:
    enabled: true
  http:
    path: /ingest
    encoding: json
    compression: zstd
    max_request_events: 25
    auth:
      mode: bearer
      token_env: LOGSHIP_TOKEN
  cache:
    backend: sqlite
    path: /var/lib/logship/events.db
`
	cfg := loadFromString(t, yaml)
	a := cfg.Agent

	if a.Host != "logstash.internal" || a.Port != 5959 {
		t.Errorf("destination: got %s:%d", a.Host, a.Port)
	}
	if a.Transport != "http" {
		t.Errorf("transport: got %q", a.Transport)
	}
	if a.Timeout != 2*time.Second {
		t.Errorf("timeout: got %v", a.Timeout)
	}
	if a.BatchSize != 50 {
		t.Errorf("batch_size: got %d", a.BatchSize)
	}
	if a.EventTTL != time.Hour {
		t.Errorf("event_ttl: got %v", a.EventTTL)
	}
	if a.Backoff.Initial != 500*time.Millisecond || a.Backoff.Max != 10*time.Second {
		t.Errorf("backoff: got %v/%v", a.Backoff.Initial, a.Backoff.Max)
	}
	if !a.TLS.Enabled {
		t.Error("tls.enabled: got false")
	}
	if a.HTTP.Encoding != "json" || a.HTTP.Compression != "zstd" || a.HTTP.MaxRequestEvents != 25 {
		t.Errorf("http: got %+v", a.HTTP)
	}
	if a.Cache.Backend != "sqlite" || a.Cache.Path != "/var/lib/logship/events.db" {
		t.Errorf("cache: got %+v", a.Cache)
	}
	if got := a.Destination(); got != "http://logstash.internal:5959/ingest" {
		t.Errorf("Destination(): got %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
agent:
  host: localhost
  port: 5959
`
	a := loadFromString(t, yaml).Agent

	if a.Transport != DefaultTransport {
		t.Errorf("default transport: got %q, want %q", a.Transport, DefaultTransport)
	}
	if a.Timeout != DefaultTimeout {
		t.Errorf("default timeout: got %v, want %v", a.Timeout, DefaultTimeout)
	}
	if a.BatchSize != DefaultBatchSize {
		t.Errorf("default batch_size: got %d, want %d", a.BatchSize, DefaultBatchSize)
	}
	if a.EventTTL != 0 {
		t.Errorf("default event_ttl: got %v, want 0 (disabled)", a.EventTTL)
	}
	if a.IdleInterval != DefaultIdleInterval {
		t.Errorf("default idle_interval: got %v, want %v", a.IdleInterval, DefaultIdleInterval)
	}
	if a.Cache.Backend != DefaultCacheBackend {
		t.Errorf("default cache backend: got %q, want %q", a.Cache.Backend, DefaultCacheBackend)
	}
	if a.HTTP.Encoding != DefaultHTTPEncoding || a.HTTP.Compression != DefaultCompression {
		t.Errorf("default http: got %+v", a.HTTP)
	}
	if got := a.Destination(); got != "tcp://localhost:5959" {
		t.Errorf("Destination(): got %q", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing host", "port: 5959"},
		{"bad port", "host: h\n  port: 70000"},
		{"unknown transport", "host: h\n  port: 1\n  transport: carrier-pigeon"},
		{"udp with tls", "host: h\n  port: 1\n  transport: udp\n  tls:\n    enabled: true"},
		{"zero batch", "host: h\n  port: 1\n  batch_size: 0"},
		{"negative ttl", "host: h\n  port: 1\n  event_ttl: -1s"},
		{"backoff max below initial", "host: h\n  port: 1\n  backoff:\n    initial: 5s\n    max: 1s"},
		{"cert without key", "host: h\n  port: 1\n  tls:\n    cert_file: c.pem"},
		{"unknown encoding", "host: h\n  port: 1\n  http:\n    encoding: xml"},
		{"unknown compression", "host: h\n  port: 1\n  http:\n    compression: brotli"},
		{"apikey without header", "host: h\n  port: 1\n  http:\n    auth:\n      mode: apikey"},
		{"unknown auth", "host: h\n  port: 1\n  http:\n    auth:\n      mode: magictoken"},
		{"sqlite without path", "host: h\n  port: 1\n  cache:\n    backend: sqlite"},
		{"postgres without dsn", "host: h\n  port: 1\n  cache:\n    backend: postgres"},
		{"unknown backend", "host: h\n  port: 1\n  cache:\n    backend: redis"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, "agent:\n  "+tc.body+"\n"); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestAuthConfig_Secrets(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")

	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
}

func TestCacheConfig_DSN(t *testing.T) {
	t.Setenv("TEST_DSN", "postgres://localhost/logship")
	c := CacheConfig{Backend: "postgres", DSNEnv: "TEST_DSN"}
	if got := c.DSN(); got != "postgres://localhost/logship" {
		t.Errorf("DSN(): got %q", got)
	}
}

func TestAgentConfig_AdminKey(t *testing.T) {
	t.Setenv("TEST_ADMIN_KEY", "letmein")
	c := AgentConfig{AdminKeyEnv: "TEST_ADMIN_KEY"}
	if got := c.AdminKey(); got != "letmein" {
		t.Errorf("AdminKey(): got %q", got)
	}
	if got := (AgentConfig{}).AdminKey(); got != "" {
		t.Errorf("AdminKey() with no env: got %q, want empty", got)
	}
}

func TestAgentConfig_Level(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"chatty":  slog.LevelInfo,
		"warning": slog.LevelWarn,
	}
	for in, want := range tests {
		if got := (AgentConfig{LogLevel: in}).Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "agent:\n  host: a\n  port: 1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reloaded := make(chan *Config, 4)
	go func() {
		_ = Watch(ctx, path, slog.Default(), func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "agent:\n  host: b\n  port: 2\n")

	select {
	case c := <-reloaded:
		if c.Agent.Host != "b" {
			t.Errorf("reloaded host: got %q, want b", c.Agent.Host)
		}
	case <-ctx.Done():
		t.Fatal("Watch did not report the change")
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)
	return Load(path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
}
