package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultTransport      = "tcp"
	DefaultTimeout        = 5 * time.Second
	DefaultBatchSize      = 10
	DefaultIdleInterval   = 5 * time.Second
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultHTTPPath       = "/"
	DefaultHTTPEncoding   = "lines"
	DefaultCompression    = "none"
	DefaultCacheBackend   = "memory"
	DefaultLogLevel       = "info"
)

// Config is the top-level configuration file.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds everything a single shipper needs: where to send,
// how to send, and how to hold events while the collector is away.
type AgentConfig struct {
	// Host and Port identify the remote collector.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport is one of: tcp | udp | http | websocket.
	Transport string `yaml:"transport"`

	// Timeout bounds connection establishment and every write.
	Timeout time.Duration `yaml:"timeout"`

	// BatchSize is the maximum number of events leased and sent together.
	BatchSize int `yaml:"batch_size"`

	// EventTTL expires queued events older than this. Zero disables expiry.
	EventTTL time.Duration `yaml:"event_ttl"`

	// IdleInterval is how long the worker sleeps when nothing is queued.
	IdleInterval time.Duration `yaml:"idle_interval"`

	Backoff   BackoffConfig   `yaml:"backoff"`
	TLS       TLSConfig       `yaml:"tls"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Cache     CacheConfig     `yaml:"cache"`

	// Disabled turns Enqueue into a no-op. Handy for local testing.
	Disabled bool `yaml:"disabled"`

	// AdminAddr is the listen address of the admin HTTP server
	// (/healthz, /metrics, /flush). Empty disables it.
	AdminAddr string `yaml:"admin_addr"`

	// AdminKeyEnv names the environment variable holding the key required in
	// the X-API-Key header of POST /flush. Empty leaves the endpoint open.
	AdminKeyEnv string `yaml:"admin_key_env"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// BackoffConfig bounds the delay inserted after a failed send.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// TLSConfig holds transport-layer encryption options.
type TLSConfig struct {
	// Enabled turns on TLS using the system trust store.
	Enabled bool `yaml:"enabled"`

	// InsecureSkipVerify disables certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CAFile replaces the system trust store with the given PEM bundle.
	CAFile string `yaml:"ca_file"`

	// CertFile and KeyFile enable mTLS when both are set.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// HTTPConfig configures the request transport.
type HTTPConfig struct {
	// Path is the request path on the collector.
	Path string `yaml:"path"`

	// Encoding is the body format: lines | json | cbor.
	Encoding string `yaml:"encoding"`

	// Compression is the body compression: none | gzip | zstd.
	Compression string `yaml:"compression"`

	// MaxRequestEvents splits a batch into several requests of at most
	// this many events. Zero sends the whole batch in one request.
	MaxRequestEvents int `yaml:"max_request_events"`

	// Auth configures how the agent authenticates to the collector.
	Auth AuthConfig `yaml:"auth"`
}

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig selects where pending events are held.
type CacheConfig struct {
	// Backend is one of: memory | sqlite | postgres.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Used when Backend == "sqlite".
	Path string `yaml:"path"`

	// DSNEnv names the environment variable holding the Postgres DSN.
	// Used when Backend == "postgres".
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the Postgres connection string resolved from the environment.
func (c CacheConfig) DSN() string {
	if c.DSNEnv == "" {
		return ""
	}
	return os.Getenv(c.DSNEnv)
}

// AuthConfig specifies the authentication mode for the collector.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// API key fields, used when Mode == "apikey".
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token. Used when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields, used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// AdminKey returns the admin API key resolved from the environment.
func (c AgentConfig) AdminKey() string {
	if c.AdminKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.AdminKeyEnv)
}

// Address returns host:port.
func (c AgentConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Destination returns the key identifying where this config ships to.
// Two configs with the same destination must share one worker.
func (c AgentConfig) Destination() string {
	dest := c.Transport + "://" + c.Address()
	switch c.Transport {
	case "http":
		dest += c.HTTP.Path
	case "websocket":
		dest += c.WebSocket.Path
	}
	return dest
}

// Level parses LogLevel into a slog.Level. Unknown values map to info.
func (c AgentConfig) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := &Config{Agent: Defaults()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Defaults returns an AgentConfig pre-populated with default values.
// Callers building a config in code should start from it.
func Defaults() AgentConfig {
	return AgentConfig{
		Transport:    DefaultTransport,
		Timeout:      DefaultTimeout,
		BatchSize:    DefaultBatchSize,
		IdleInterval: DefaultIdleInterval,
		Backoff: BackoffConfig{
			Initial: DefaultBackoffInitial,
			Max:     DefaultBackoffMax,
		},
		HTTP: HTTPConfig{
			Path:        DefaultHTTPPath,
			Encoding:    DefaultHTTPEncoding,
			Compression: DefaultCompression,
		},
		WebSocket: WebSocketConfig{Path: DefaultHTTPPath},
		Cache:     CacheConfig{Backend: DefaultCacheBackend},
		LogLevel:  DefaultLogLevel,
	}
}

// Validate checks required fields and structural constraints.
func (c AgentConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("agent.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("agent.port must be in 1..65535, got %d", c.Port)
	}
	switch c.Transport {
	case "tcp", "http", "websocket":
	case "udp":
		if c.TLS.Enabled {
			return fmt.Errorf("agent.tls is not supported with udp transport")
		}
	default:
		return fmt.Errorf("agent.transport: unknown type %q", c.Transport)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("agent.batch_size must be positive")
	}
	if c.EventTTL < 0 {
		return fmt.Errorf("agent.event_ttl must not be negative")
	}
	if c.IdleInterval <= 0 {
		return fmt.Errorf("agent.idle_interval must be positive")
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("agent.backoff: need 0 < initial <= max, got %v/%v",
			c.Backoff.Initial, c.Backoff.Max)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("agent.tls: cert_file and key_file must be set together")
	}
	switch c.HTTP.Encoding {
	case "lines", "json", "cbor":
	default:
		return fmt.Errorf("agent.http.encoding: unknown encoding %q", c.HTTP.Encoding)
	}
	switch c.HTTP.Compression {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("agent.http.compression: unknown compression %q", c.HTTP.Compression)
	}
	if c.HTTP.MaxRequestEvents < 0 {
		return fmt.Errorf("agent.http.max_request_events must not be negative")
	}
	switch c.HTTP.Auth.Mode {
	case "apikey":
		if c.HTTP.Auth.Header == "" {
			return fmt.Errorf("agent.http.auth: header is required for apikey mode")
		}
	case "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("agent.http.auth: unknown auth mode %q", c.HTTP.Auth.Mode)
	}
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("agent.cache.path is required for sqlite backend")
		}
	case "postgres":
		if c.Cache.DSNEnv == "" {
			return fmt.Errorf("agent.cache.dsn_env is required for postgres backend")
		}
	default:
		return fmt.Errorf("agent.cache.backend: unknown backend %q", c.Cache.Backend)
	}
	return nil
}
