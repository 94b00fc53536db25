package udp

import (
	"time"

	"github.com/postalsys/meshudp/internal/config"
	"github.com/postalsys/meshudp/internal/protocol"
)

// Config holds configuration for a Transport.
type Config struct {
	// Listen is the local address to bind, host:port.
	Listen string

	// PayloadSize is the number of message bytes carried by each fragment.
	// The default keeps every datagram within 508 bytes.
	PayloadSize int

	// MaxMessageSize is the largest encoded routing message Send accepts.
	MaxMessageSize int

	// InboxSize is the number of datagrams queued for one peer's worker
	// before further datagrams from that peer are dropped.
	InboxSize int

	// ReadBuffer sets the socket receive buffer. 0 keeps the OS default.
	ReadBuffer int

	// MaxPeers bounds the number of peers with state. The least recently
	// active peer is evicted when a new one arrives.
	MaxPeers int

	// IdleTimeout is how long a peer can be silent before cleanup.
	// 0 means no timeout.
	IdleTimeout time.Duration

	// RateLimit is the number of datagrams per second accepted from one
	// peer. 0 means unlimited.
	RateLimit float64

	// RateBurst is the burst size of the per-peer rate limit.
	RateBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:         "0.0.0.0:7600",
		PayloadSize:    protocol.MaxPayloadSize,
		MaxMessageSize: protocol.MaxMessageSize,
		InboxSize:      256,
		MaxPeers:       1024,
		IdleTimeout:    5 * time.Minute,
		RateBurst:      64,
	}
}

// ConfigFrom builds a transport Config from the file configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Listen:         cfg.Transport.Listen,
		PayloadSize:    cfg.Transport.PayloadSize,
		MaxMessageSize: int(cfg.Transport.MaxMessageSize),
		InboxSize:      cfg.Transport.InboxSize,
		ReadBuffer:     int(cfg.Transport.ReadBuffer),
		MaxPeers:       cfg.Peers.MaxPeers,
		IdleTimeout:    cfg.Peers.IdleTimeout,
		RateLimit:      cfg.Peers.RateLimit,
		RateBurst:      cfg.Peers.RateBurst,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PayloadSize <= 0 {
		c.PayloadSize = d.PayloadSize
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > protocol.MaxMessageSize {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}
