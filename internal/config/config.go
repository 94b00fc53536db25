// Package config provides configuration parsing and validation for meshudp.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/meshudp/internal/protocol"
)

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Peers     PeersConfig     `yaml:"peers"`
	Health    HealthConfig    `yaml:"health"`
	Chaos     ChaosConfig     `yaml:"chaos"`
}

// NodeConfig contains process-wide settings.
type NodeConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// TransportConfig defines the UDP socket and fragmentation settings.
type TransportConfig struct {
	Listen         string   `yaml:"listen"`           // host:port
	PayloadSize    int      `yaml:"payload_size"`     // fragment payload bytes
	MaxMessageSize ByteSize `yaml:"max_message_size"` // e.g. "16MiB"
	InboxSize      int      `yaml:"inbox_size"`       // datagrams queued per peer
	ReadBuffer     ByteSize `yaml:"read_buffer"`      // SO_RCVBUF, 0 = OS default
}

// PeersConfig defines limits on remote peer state.
type PeersConfig struct {
	MaxPeers    int           `yaml:"max_peers"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	RateLimit   float64       `yaml:"rate_limit"` // datagrams per second, 0 = unlimited
	RateBurst   int           `yaml:"rate_burst"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ChaosConfig defines fault injection on outbound datagrams.
type ChaosConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Drop      float64       `yaml:"drop"`      // probability a datagram is discarded
	Duplicate float64       `yaml:"duplicate"` // probability a datagram is sent twice
	Delay     float64       `yaml:"delay"`     // probability a datagram is held back
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// ByteSize is a byte count written in YAML as a human size ("16MiB", "1.5 MB")
// or a plain integer.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}

	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}

	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String formats the size with IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Transport: TransportConfig{
			Listen:         "0.0.0.0:7600",
			PayloadSize:    protocol.MaxPayloadSize,
			MaxMessageSize: protocol.MaxMessageSize,
			InboxSize:      256,
		},
		Peers: PeersConfig{
			MaxPeers:    1024,
			IdleTimeout: 5 * time.Minute,
			RateLimit:   0,
			RateBurst:   64,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:7680",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Chaos: ChaosConfig{
			Enabled:  false,
			MaxDelay: 50 * time.Millisecond,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "$")
		if strings.HasPrefix(name, "{") {
			name = name[1 : len(name)-1]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, found := os.LookupEnv(varName); found {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	errs = append(errs, c.Transport.validate()...)
	errs = append(errs, c.Peers.validate()...)

	if c.Health.Enabled && !isValidHostPort(c.Health.Address) {
		errs = append(errs, fmt.Sprintf("health.address must be host:port when enabled, got %q", c.Health.Address))
	}

	errs = append(errs, c.Chaos.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (t TransportConfig) validate() []string {
	var errs []string

	if !isValidHostPort(t.Listen) {
		errs = append(errs, fmt.Sprintf("transport.listen must be host:port, got %q", t.Listen))
	}

	maxPayload := protocol.MaxDatagramSize - protocol.FragmentOverhead
	if t.PayloadSize < 1 || t.PayloadSize > maxPayload {
		errs = append(errs, fmt.Sprintf("transport.payload_size must be between 1 and %d", maxPayload))
	}

	if t.MaxMessageSize < 1 || t.MaxMessageSize > protocol.MaxMessageSize {
		errs = append(errs, fmt.Sprintf("transport.max_message_size must be between 1 B and %s",
			ByteSize(protocol.MaxMessageSize)))
	} else if t.PayloadSize > 0 && uint64(t.MaxMessageSize)/uint64(t.PayloadSize)+1 > 0xFFFF {
		errs = append(errs, "transport.max_message_size needs more than 65535 fragments at this payload_size")
	}

	if t.InboxSize < 1 {
		errs = append(errs, "transport.inbox_size must be positive")
	}

	return errs
}

func (p PeersConfig) validate() []string {
	var errs []string

	if p.MaxPeers < 1 {
		errs = append(errs, "peers.max_peers must be positive")
	}
	if p.IdleTimeout <= 0 {
		errs = append(errs, "peers.idle_timeout must be positive")
	}
	if p.RateLimit < 0 {
		errs = append(errs, "peers.rate_limit must not be negative")
	}
	if p.RateLimit > 0 && p.RateBurst < 1 {
		errs = append(errs, "peers.rate_burst must be positive when rate_limit is set")
	}

	return errs
}

func (c ChaosConfig) validate() []string {
	var errs []string

	for _, p := range []struct {
		name  string
		value float64
	}{
		{"drop", c.Drop},
		{"duplicate", c.Duplicate},
		{"delay", c.Delay},
	} {
		if p.value < 0 || p.value > 1 {
			errs = append(errs, fmt.Sprintf("chaos.%s must be between 0 and 1", p.name))
		}
	}
	if c.MaxDelay < 0 {
		errs = append(errs, "chaos.max_delay must not be negative")
	}

	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
