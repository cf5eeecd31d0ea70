package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Upstream security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

// Upstream authentication mechanisms.
const (
	AuthMechanismAuthinfo = "authinfo" // AUTHINFO USER/PASS (RFC 4643 section 2.3)
	AuthMechanismPlain    = "plain"    // AUTHINFO SASL PLAIN (RFC 4643 section 2.4)
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// CircuitBreakerConfig guards upstream session establishment.
type CircuitBreakerConfig struct {
	MaxFailures int    `toml:"max_failures"` // Consecutive failures before opening (0 disables)
	OpenTimeout string `toml:"open_timeout"` // How long to reject before probing again
}

// GetOpenTimeout parses the open timeout.
func (c *CircuitBreakerConfig) GetOpenTimeout() (time.Duration, error) {
	if c.OpenTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.OpenTimeout)
}

// UpstreamConfig describes the NNTP server behind the proxy.
type UpstreamConfig struct {
	Host                string               `toml:"host"`
	Port                int                  `toml:"port"` // 0 picks 563 for tls and 119 otherwise
	Username            string               `toml:"username"`
	Password            string               `toml:"password"`
	Security            string               `toml:"security"`       // "tls", "starttls" or "none"
	AuthMechanism       string               `toml:"auth_mechanism"` // "authinfo" or "plain"
	TLSVerify           bool                 `toml:"tls_verify"`
	MaxSessions         int                  `toml:"max_sessions"` // Upstream connection ceiling
	ConnectTimeout      string               `toml:"connect_timeout"`
	CommandTimeout      string               `toml:"command_timeout"`
	ConnectRetries      int                  `toml:"connect_retries"`
	ConnectRetryBackoff string               `toml:"connect_retry_backoff"`
	CircuitBreaker      CircuitBreakerConfig `toml:"circuit_breaker"`
}

// GetPort returns the configured port or the default for the security mode.
func (u *UpstreamConfig) GetPort() int {
	if u.Port > 0 {
		return u.Port
	}
	if u.Security == SecurityTLS {
		return 563
	}
	return 119
}

// Address returns host:port of the upstream server.
func (u *UpstreamConfig) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.GetPort())
}

func (u *UpstreamConfig) GetConnectTimeout() (time.Duration, error) {
	if u.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(u.ConnectTimeout)
}

func (u *UpstreamConfig) GetCommandTimeout() (time.Duration, error) {
	if u.CommandTimeout == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(u.CommandTimeout)
}

func (u *UpstreamConfig) GetConnectRetryBackoff() (time.Duration, error) {
	if u.ConnectRetryBackoff == "" {
		return time.Second, nil
	}
	return time.ParseDuration(u.ConnectRetryBackoff)
}

// ProxyConfig holds the client-facing listener configuration.
type ProxyConfig struct {
	Addr              string `toml:"addr"`
	ListenBacklog     int    `toml:"listen_backlog"`
	ReadChunkSize     int    `toml:"read_chunk_size"`
	WriteChunkSize    int    `toml:"write_chunk_size"`
	WriteTimeout      string `toml:"write_timeout"`       // Per chunk; expiry counts as "temporarily unavailable"
	WriteRetries      int    `toml:"write_retries"`       // Retries per chunk after a transient failure
	WriteRetryBackoff string `toml:"write_retry_backoff"` // Delay before the first retry
	IdleTimeout       string `toml:"idle_timeout"`        // "0" disables the idle sweep
	MaxInboundBuffer  int    `toml:"max_inbound_buffer"`  // Bytes without a terminator before teardown (0 = unbounded)
	Debug             bool   `toml:"debug"`
}

func (p *ProxyConfig) GetWriteTimeout() (time.Duration, error) {
	if p.WriteTimeout == "" {
		return 500 * time.Millisecond, nil
	}
	return time.ParseDuration(p.WriteTimeout)
}

func (p *ProxyConfig) GetWriteRetryBackoff() (time.Duration, error) {
	if p.WriteRetryBackoff == "" {
		return 500 * time.Millisecond, nil
	}
	return time.ParseDuration(p.WriteRetryBackoff)
}

func (p *ProxyConfig) GetIdleTimeout() (time.Duration, error) {
	if p.IdleTimeout == "" {
		return 3 * time.Minute, nil
	}
	return time.ParseDuration(p.IdleTimeout)
}

// AdminAPIConfig holds the HTTP status API configuration.
type AdminAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDR blocks; empty allows everyone
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	AdminAPI AdminAPIConfig `toml:"admin_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Upstream: UpstreamConfig{
			Security:            SecurityTLS,
			AuthMechanism:       AuthMechanismAuthinfo,
			TLSVerify:           true,
			MaxSessions:         8,
			ConnectTimeout:      "30s",
			CommandTimeout:      "1m",
			ConnectRetries:      1,
			ConnectRetryBackoff: "1s",
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				OpenTimeout: "30s",
			},
		},
		Proxy: ProxyConfig{
			Addr:              "127.0.0.1:1701",
			ListenBacklog:     5,
			ReadChunkSize:     1024,
			WriteChunkSize:    1024,
			WriteTimeout:      "500ms",
			WriteRetries:      5,
			WriteRetryBackoff: "500ms",
			IdleTimeout:       "3m",
		},
		AdminAPI: AdminAPIConfig{
			Start: false,
			Addr:  "127.0.0.1:9180",
		},
	}
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	switch c.Upstream.Security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return fmt.Errorf("upstream.security must be one of %q, %q or %q, got %q",
			SecurityTLS, SecurityStartTLS, SecurityNone, c.Upstream.Security)
	}
	switch c.Upstream.AuthMechanism {
	case AuthMechanismAuthinfo, AuthMechanismPlain:
	default:
		return fmt.Errorf("upstream.auth_mechanism must be %q or %q, got %q",
			AuthMechanismAuthinfo, AuthMechanismPlain, c.Upstream.AuthMechanism)
	}
	if c.Upstream.MaxSessions <= 0 {
		return fmt.Errorf("upstream.max_sessions must be positive, got %d", c.Upstream.MaxSessions)
	}
	if c.Upstream.ConnectRetries < 0 {
		return fmt.Errorf("upstream.connect_retries cannot be negative")
	}
	if c.Proxy.Addr == "" {
		return fmt.Errorf("proxy.addr is required")
	}
	if c.Proxy.ReadChunkSize <= 0 || c.Proxy.WriteChunkSize <= 0 {
		return fmt.Errorf("proxy.read_chunk_size and proxy.write_chunk_size must be positive")
	}
	if c.Proxy.WriteRetries < 0 {
		return fmt.Errorf("proxy.write_retries cannot be negative")
	}
	if c.Proxy.MaxInboundBuffer < 0 {
		return fmt.Errorf("proxy.max_inbound_buffer cannot be negative")
	}
	if c.AdminAPI.Start && c.AdminAPI.Addr == "" {
		return fmt.Errorf("admin_api.addr is required when admin_api.start is true")
	}

	durations := []struct {
		name  string
		parse func() (time.Duration, error)
	}{
		{"upstream.connect_timeout", c.Upstream.GetConnectTimeout},
		{"upstream.command_timeout", c.Upstream.GetCommandTimeout},
		{"upstream.connect_retry_backoff", c.Upstream.GetConnectRetryBackoff},
		{"upstream.circuit_breaker.open_timeout", c.Upstream.CircuitBreaker.GetOpenTimeout},
		{"proxy.write_timeout", c.Proxy.GetWriteTimeout},
		{"proxy.write_retry_backoff", c.Proxy.GetWriteRetryBackoff},
		{"proxy.idle_timeout", c.Proxy.GetIdleTimeout},
	}
	for _, d := range durations {
		v, err := d.parse()
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", d.name)
		}
	}
	return nil
}

// WarnInsecure logs warnings for settings that weaken the upstream connection.
func (c *Config) WarnInsecure(logger func(format string, args ...interface{})) {
	if c.Upstream.Security == SecurityNone {
		logger("WARNING: upstream.security is 'none'; credentials and articles travel in clear text")
		if c.Upstream.Username != "" {
			logger("WARNING: upstream credentials for %s will be sent without encryption", c.Upstream.Host)
		}
	}
	if c.Upstream.Security != SecurityNone && !c.Upstream.TLSVerify {
		logger("WARNING: upstream.tls_verify is false; the server certificate of %s is not checked", c.Upstream.Host)
	}
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds hints for the most common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: Durations are quoted strings (\"30s\") and sizes are plain integers", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
