// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: host, port, transport (tcp|udp|http|websocket), timeout,
//     batch_size, event_ttl, idle_interval, backoff, tls, http, websocket,
//     cache, disabled, admin_addr, admin_key_env, log_level
//   - AuthConfig: mode (apikey|bearer|basic|none), header, key_env,
//     token_env, username, password_env; Key(), Token() and Password()
//     resolve from environment variables
//   - CacheConfig: backend (memory|sqlite|postgres), path, dsn_env
//
// Load(path) reads the YAML file, applies Defaults() (tcp, 5s timeout,
// batch of 10, 5s idle, 1s→30s backoff, memory cache), then validates
// required fields and enums.
//
// Watch(ctx, path, logger, onChange) uses fsnotify on the parent directory
// and calls onChange with the newly parsed Config whenever the file is
// written or replaced.
package config
