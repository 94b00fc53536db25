// Package integration runs meshudp agents against each other over loopback.
package integration

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/meshudp/internal/agent"
	"github.com/postalsys/meshudp/internal/config"
	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/udp"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Transport.InboxSize = 4096
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, opts ...agent.Option) *agent.Agent {
	t.Helper()

	opts = append([]agent.Option{agent.WithLogger(logging.NopLogger())}, opts...)
	a, err := agent.New(cfg, opts...)
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

// collector records every message an agent receives.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.RoutingMessage
	from []net.Addr
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) HandleMessage(from net.Addr, msg *protocol.RoutingMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.from = append(c.from, from)
	c.mu.Unlock()

	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *collector) messages() []*protocol.RoutingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.RoutingMessage(nil), c.msgs...)
}

// waitFor blocks until at least n messages arrived or the timeout passes.
func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) []*protocol.RoutingMessage {
	t.Helper()

	deadline := time.After(timeout)
	for {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.got:
		case <-deadline:
			msgs := c.messages()
			t.Fatalf("received %d messages, want %d", len(msgs), n)
			return msgs
		}
	}
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return b
}

var _ udp.Handler = (*collector)(nil)
