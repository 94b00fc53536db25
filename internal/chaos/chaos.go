// Package chaos provides fault injection for datagram sockets.
//
// A PacketConn wraps a net.PacketConn and drops, duplicates or delays
// outbound datagrams at configured probabilities. Delayed datagrams overtake
// later ones, which is how reordering is produced.
package chaos

import (
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/recovery"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means the datagram is sent unchanged.
	FaultNone FaultType = iota
	// FaultDrop discards the datagram.
	FaultDrop
	// FaultDuplicate sends the datagram twice.
	FaultDuplicate
	// FaultDelay sends the datagram after a random delay.
	FaultDelay
)

// String returns a human-readable name for the fault.
func (f FaultType) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultDrop:
		return "drop"
	case FaultDuplicate:
		return "duplicate"
	case FaultDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// Config configures fault injection. Probabilities are checked in the order
// drop, duplicate, delay and at most one fault applies to a datagram.
type Config struct {
	Drop      float64
	Duplicate float64
	Delay     float64

	// MaxDelay bounds the delay of FaultDelay.
	MaxDelay time.Duration

	// Seed makes decisions reproducible. Zero seeds from the clock.
	Seed uint64
}

// FaultInjector decides which fault, if any, applies to each datagram.
type FaultInjector struct {
	cfg       Config
	enabled   atomic.Bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled fault injector.
func NewFaultInjector(cfg Config) *FaultInjector {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	f := &FaultInjector{
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		faultHits: make(map[FaultType]int64),
	}
	f.enabled.Store(true)
	return f
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.enabled.Store(true)
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.enabled.Store(false)
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	return f.enabled.Load()
}

// Next picks the fault for the next datagram. The delay is only meaningful
// for FaultDelay.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	if !f.IsEnabled() {
		return FaultNone, 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fault := FaultNone
	switch {
	case f.rng.Float64() < f.cfg.Drop:
		fault = FaultDrop
	case f.rng.Float64() < f.cfg.Duplicate:
		fault = FaultDuplicate
	case f.rng.Float64() < f.cfg.Delay:
		fault = FaultDelay
	}

	if fault == FaultNone {
		return FaultNone, 0
	}
	f.faultHits[fault]++

	var delay time.Duration
	if fault == FaultDelay && f.cfg.MaxDelay > 0 {
		delay = time.Duration(f.rng.Int64N(int64(f.cfg.MaxDelay))) + 1
	}
	return fault, delay
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset resets the fault injection statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// PacketConn injects faults into the datagrams written through it. Reads
// pass through untouched.
type PacketConn struct {
	net.PacketConn

	injector *FaultInjector
	logger   *slog.Logger
	mu       sync.Mutex // orders pending.Add against Close
	closed   atomic.Bool
	pending  sync.WaitGroup
}

// NewPacketConn wraps conn.
func NewPacketConn(conn net.PacketConn, cfg Config, logger *slog.Logger) *PacketConn {
	return &PacketConn{
		PacketConn: conn,
		injector:   NewFaultInjector(cfg),
		logger:     logging.WithComponent(logger, "chaos"),
	}
}

// Injector returns the fault injector, for toggling and statistics.
func (c *PacketConn) Injector() *FaultInjector {
	return c.injector
}

// WriteTo writes p to addr, possibly dropping, duplicating or delaying it.
// Faults are invisible to the caller, which always sees a full write unless
// the underlying socket fails.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	fault, delay := c.injector.Next()

	switch fault {
	case FaultDrop:
		c.logger.Debug("dropping datagram", logging.KeyRemoteAddr, addr, logging.KeySize, len(p))
		return len(p), nil

	case FaultDuplicate:
		if _, err := c.PacketConn.WriteTo(p, addr); err != nil {
			return 0, err
		}
		c.logger.Debug("duplicating datagram", logging.KeyRemoteAddr, addr, logging.KeySize, len(p))

	case FaultDelay:
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			return 0, net.ErrClosed
		}
		c.pending.Add(1)
		c.mu.Unlock()

		c.logger.Debug("delaying datagram",
			logging.KeyRemoteAddr, addr,
			logging.KeySize, len(p),
			logging.KeyDuration, delay)

		buf := append([]byte(nil), p...)
		time.AfterFunc(delay, func() {
			defer c.pending.Done()
			defer recovery.RecoverWithLog(c.logger, "chaos.delayedWrite")

			if c.closed.Load() {
				return
			}
			if _, err := c.PacketConn.WriteTo(buf, addr); err != nil {
				c.logger.Debug("delayed write failed", logging.KeyRemoteAddr, addr, logging.KeyError, err)
			}
		})
		return len(p), nil
	}

	return c.PacketConn.WriteTo(p, addr)
}

// Close closes the underlying connection and waits for delayed writes to
// settle. Delayed datagrams not yet written are discarded.
func (c *PacketConn) Close() error {
	c.mu.Lock()
	c.closed.Store(true)
	c.mu.Unlock()

	err := c.PacketConn.Close()
	c.pending.Wait()
	return err
}
