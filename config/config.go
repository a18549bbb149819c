// Package config loads the YAML configuration shared by the wsrpc client,
// server and CLI.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"wsrpc/codec"
	"wsrpc/metrics"
	"wsrpc/resolver"
	"wsrpc/stream"
)

// Config is the full configuration surface.
type Config struct {
	URL           string `yaml:"url"`            // Client: channel URL to dial
	ListenAddress string `yaml:"listen_address"` // Server: address to listen on
	Path          string `yaml:"path"`           // Server: WebSocket upgrade path
	Codec         string `yaml:"codec"`          // "json" or "binary"

	PingInterval         time.Duration `yaml:"ping_interval"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	ReconnectBackoff     string        `yaml:"reconnect_backoff"` // "fixed" or "exponential"
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BlockUntilConnected  bool          `yaml:"block_until_connected"`
	MaxFrameSize         int           `yaml:"max_frame_size"`

	Obfuscation ObfuscationConfig `yaml:"obfuscation"`
	Stream      StreamConfig      `yaml:"stream"`
	Security    SecurityConfig    `yaml:"security"`
	Registry    RegistryConfig    `yaml:"registry"`
	Log         LogConfig         `yaml:"log"`

	MetricsAddress string `yaml:"metrics_address"`
}

type ObfuscationConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Strategy          string `yaml:"strategy"`
	IdentifierLength  int    `yaml:"identifier_length"`
	Prefix            string `yaml:"prefix"`
	ObfuscateServices bool   `yaml:"obfuscate_services"`
	MappingFile       string `yaml:"mapping_file"` // Imported at startup when set
}

type StreamConfig struct {
	BufferSize         int           `yaml:"buffer_size"` // 0 means unbounded
	OverflowPolicy     string        `yaml:"overflow_policy"`
	BackpressureWindow time.Duration `yaml:"backpressure_window"`
	FirstItemTimeout   time.Duration `yaml:"first_item_timeout"`
}

type SecurityConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Tokens    map[string]string `yaml:"tokens"`     // token -> client id
	Allow     []string          `yaml:"allow"`      // "client:Service.method", "*" wildcards
	RateLimit float64           `yaml:"rate_limit"` // requests per second per client; 0 disables
	RateBurst int               `yaml:"rate_burst"`
}

type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // Lease TTL in seconds
	MappingKey  string        `yaml:"mapping_key"`
}

// Default returns the configuration used when a field is not set in YAML.
func Default() *Config {
	return &Config{
		URL:                  "ws://127.0.0.1:8080/rpc",
		ListenAddress:        ":8080",
		Path:                 "/rpc",
		Codec:                "json",
		PingInterval:         30 * time.Second,
		CallTimeout:          30 * time.Second,
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		MaxReconnectDelay:    30 * time.Second,
		ReconnectBackoff:     "exponential",
		MaxReconnectAttempts: 5,
		MaxFrameSize:         1 << 20,
		Obfuscation: ObfuscationConfig{
			Strategy:         string(resolver.StrategyHash),
			IdentifierLength: resolver.DefaultLength,
			Prefix:           resolver.DefaultPrefix,
		},
		Stream: StreamConfig{
			BufferSize:         256,
			OverflowPolicy:     string(stream.OverflowBlock),
			BackpressureWindow: 5 * time.Second,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
			MappingKey:  "/wsrpc/mapping",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateConnection()...)
	errs = append(errs, c.validateObfuscation()...)
	errs = append(errs, c.validateStream()...)
	errs = append(errs, c.validateSecurity()...)
	if err := c.Log.validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) validateConnection() []error {
	var errs []error
	if _, err := codec.Parse(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call_timeout cannot be negative"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval cannot be negative"))
	}
	if c.ReconnectDelay < 0 || c.MaxReconnectDelay < 0 {
		errs = append(errs, errors.New("reconnect delays cannot be negative"))
	}
	if c.MaxReconnectDelay > 0 && c.ReconnectDelay > c.MaxReconnectDelay {
		errs = append(errs, errors.New("reconnect_delay cannot exceed max_reconnect_delay"))
	}
	switch c.ReconnectBackoff {
	case "", "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("reconnect_backoff: unknown value %q", c.ReconnectBackoff))
	}
	if c.AutoReconnect && c.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must be positive when auto_reconnect is on"))
	}
	if c.MaxFrameSize < 0 {
		errs = append(errs, errors.New("max_frame_size cannot be negative"))
	}
	return errs
}

func (c *Config) validateObfuscation() []error {
	if err := c.ResolverOptions(nil).Validate(); err != nil {
		return []error{err}
	}
	return nil
}

func (c *Config) validateStream() []error {
	if err := c.StreamOptions(nil, nil).Validate(); err != nil {
		return []error{err}
	}
	if c.Stream.BackpressureWindow < 0 || c.Stream.FirstItemTimeout < 0 {
		return []error{errors.New("stream timeouts cannot be negative")}
	}
	return nil
}

func (c *Config) validateSecurity() []error {
	var errs []error
	if c.Security.RateLimit < 0 {
		errs = append(errs, errors.New("security.rate_limit cannot be negative"))
	}
	if c.Security.RateLimit > 0 && c.Security.RateBurst <= 0 {
		errs = append(errs, errors.New("security.rate_burst must be positive when rate_limit is set"))
	}
	for _, rule := range c.Security.Allow {
		if !strings.Contains(rule, ":") || !strings.Contains(rule, ".") {
			errs = append(errs, fmt.Errorf("security.allow: rule %q is not client:Service.method", rule))
		}
	}
	return errs
}

// ResolverOptions converts the obfuscation section.
func (c *Config) ResolverOptions(logger *zap.Logger) resolver.Options {
	o := c.Obfuscation
	return resolver.Options{
		Enabled:           o.Enabled,
		Strategy:          resolver.Strategy(o.Strategy),
		Length:            o.IdentifierLength,
		Prefix:            o.Prefix,
		ObfuscateServices: o.ObfuscateServices,
		Logger:            logger,
	}
}

// StreamOptions converts the stream section.
func (c *Config) StreamOptions(logger *zap.Logger, m *metrics.Metrics) stream.Options {
	s := c.Stream
	return stream.Options{
		BufferSize:         s.BufferSize,
		Overflow:           stream.OverflowPolicy(s.OverflowPolicy),
		BackpressureWindow: s.BackpressureWindow,
		FirstItemTimeout:   s.FirstItemTimeout,
		Logger:             logger,
		Metrics:            m,
	}
}

func (c Config) String() string {
	cp := c
	if len(cp.Security.Tokens) > 0 {
		redacted := make(map[string]string, len(cp.Security.Tokens))
		for _, client := range cp.Security.Tokens {
			redacted["***REDACTED***"+client] = client
		}
		cp.Security.Tokens = redacted
	}
	cp.URL = redactURLCredentials(cp.URL)

	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(cp))
}

// redactURLCredentials masks the password in URLs like ws://user:pass@host.
func redactURLCredentials(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***REDACTED***")
		}
	}
	q := parsed.Query()
	if q.Has("token") {
		q.Set("token", "***REDACTED***")
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
