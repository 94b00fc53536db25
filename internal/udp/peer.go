package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/reassembly"
	"github.com/postalsys/meshudp/internal/seqnum"
)

// PeerInfo is a snapshot of one remote peer.
type PeerInfo struct {
	Address           string    `json:"address"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	DatagramsReceived uint64    `json:"datagrams_received"`
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesSent      uint64    `json:"messages_sent"`
}

// peer is the state kept for one remote address.
type peer struct {
	addr      net.Addr
	key       string
	createdAt time.Time
	logger    *slog.Logger

	mu           sync.RWMutex
	lastActivity time.Time

	// Inbound. The window belongs to the worker goroutine.
	inbox   chan []byte
	limiter *rate.Limiter
	window  *reassembly.Window

	// Outbound state, shared with the transport's sequence table.
	out *outbound

	datagrams atomic.Uint64
	received  atomic.Uint64
	sent      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeer(addr net.Addr, cfg Config, logger *slog.Logger) *peer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	p := &peer{
		addr:         addr,
		key:          addr.String(),
		createdAt:    now,
		lastActivity: now,
		logger:       logger,
		inbox:        make(chan []byte, cfg.InboxSize),
		out:          &outbound{next: seqnum.Random()},
		ctx:          ctx,
		cancel:       cancel,
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return p
}

// allow reports whether the rate limit admits another datagram.
func (p *peer) allow() bool {
	return p.limiter == nil || p.limiter.Allow()
}

// touch updates the last activity timestamp. Inbound datagrams and sends
// both count as activity.
func (p *peer) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActivity = time.Now()
}

// isExpired checks if the peer has been idle longer than the timeout.
func (p *peer) isExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	return time.Since(p.lastActivity) > timeout
}

// enqueue hands a datagram to the worker without blocking. It returns false
// if the inbox is full or the peer is closed.
func (p *peer) enqueue(buf []byte) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.inbox <- buf:
		return true
	default:
		return false
	}
}

// close stops the worker. It is safe to call more than once.
func (p *peer) close() {
	p.cancel()
}

func (p *peer) info() PeerInfo {
	p.mu.RLock()
	last := p.lastActivity
	p.mu.RUnlock()

	return PeerInfo{
		Address:           p.key,
		CreatedAt:         p.createdAt,
		LastActivity:      last,
		DatagramsReceived: p.datagrams.Load(),
		MessagesReceived:  p.received.Load(),
		MessagesSent:      p.sent.Load(),
	}
}
