package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/meshudp/internal/fragment"
	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/metrics"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/reassembly"
	"github.com/postalsys/meshudp/internal/recovery"
)

// ErrClosed is returned by Send on a closed Transport.
var ErrClosed = errors.New("transport closed")

// Handler receives reassembled routing messages.
type Handler interface {
	// HandleMessage is called on the sending peer's worker goroutine. A slow
	// handler delays that peer's traffic and eventually causes drops.
	HandleMessage(from net.Addr, msg *protocol.RoutingMessage)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(from net.Addr, msg *protocol.RoutingMessage)

// HandleMessage calls f(from, msg).
func (f HandlerFunc) HandleMessage(from net.Addr, msg *protocol.RoutingMessage) {
	f(from, msg)
}

// Transport sends and receives routing messages over one PacketConn.
type Transport struct {
	conn    net.PacketConn
	config  Config
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	peers   *registry
	seqs    *sequences

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ListenPacket opens the UDP socket described by cfg.
func ListenPacket(ctx context.Context, cfg Config) (net.PacketConn, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	if cfg.ReadBuffer > 0 {
		if udpConn, ok := conn.(*net.UDPConn); ok {
			if err := udpConn.SetReadBuffer(cfg.ReadBuffer); err != nil {
				conn.Close()
				return nil, fmt.Errorf("set read buffer: %w", err)
			}
		}
	}

	return conn, nil
}

// Listen opens a socket on cfg.Listen and starts a Transport on it.
func Listen(ctx context.Context, cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) (*Transport, error) {
	conn, err := ListenPacket(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t, err := New(conn, cfg, handler, logger, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// New starts a Transport on an existing connection, which it takes over.
// A nil handler discards messages; nil metrics are kept in a private
// registry.
func New(conn net.PacketConn, cfg Config, handler Handler, logger *slog.Logger, m *metrics.Metrics) (*Transport, error) {
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = HandlerFunc(func(net.Addr, *protocol.RoutingMessage) {})
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		conn:    conn,
		config:  cfg,
		handler: handler,
		logger:  logging.WithComponent(logger, "transport"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}

	seqs, err := newSequences(cfg.MaxPeers * sequenceRetention)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sequence table: %w", err)
	}
	t.seqs = seqs

	peers, err := newRegistry(cfg.MaxPeers, t.peerRemoved)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create peer registry: %w", err)
	}
	t.peers = peers

	recovery.Go(&t.wg, t.logger, "udp.readLoop", t.readLoop)

	if cfg.IdleTimeout > 0 {
		recovery.Go(&t.wg, t.logger, "udp.cleanupLoop", t.cleanupLoop)
	}

	t.logger.Info("transport started",
		logging.KeyLocalAddr, conn.LocalAddr(),
		"payload_size", cfg.PayloadSize,
		"max_peers", cfg.MaxPeers)

	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send encodes msg and sends it to addr.
func (t *Transport) Send(ctx context.Context, addr net.Addr, msg *protocol.RoutingMessage) error {
	data, err := protocol.EncodeRoutingMessage(msg)
	if err != nil {
		return err
	}
	return t.SendRaw(ctx, addr, data)
}

// SendRaw sends an already encoded routing message to addr. Messages larger
// than Config.MaxMessageSize fail with fragment.ErrMessageTooLarge before
// anything is written.
func (t *Transport) SendRaw(ctx context.Context, addr net.Addr, data []byte) error {
	if len(data) > t.config.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", fragment.ErrMessageTooLarge, len(data), t.config.MaxMessageSize)
	}

	p, err := t.peer(addr)
	if err != nil {
		return err
	}

	p.touch()

	p.out.mu.Lock()
	defer p.out.mu.Unlock()

	frag, err := fragment.New(p.out.next, data, t.config.PayloadSize)
	if err != nil {
		return err
	}
	p.out.next.Increment()

	sent := 0
	for datagram, err := range frag.Datagrams() {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.conn.WriteTo(datagram, addr); err != nil {
			return fmt.Errorf("write fragment %d/%d to %s: %w", sent, frag.Total(), addr, err)
		}
		sent++
	}

	p.sent.Add(1)
	t.metrics.RecordMessageSent(sent)

	t.logger.Debug("sent routing message",
		logging.KeyPeer, p.key,
		logging.KeySequence, frag.Sequence(),
		logging.KeyTotal, frag.Total(),
		logging.KeySize, len(data))

	return nil
}

// Peers returns a snapshot of every known peer.
func (t *Transport) Peers() []PeerInfo {
	peers := t.peers.list()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = p.info()
	}
	return infos
}

// PeerCount returns the number of known peers.
func (t *Transport) PeerCount() int {
	return t.peers.len()
}

// Close stops the transport, discards all reassembly state and closes the
// connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.peers.close()
		t.wg.Wait()
		t.logger.Info("transport stopped")
	})
	return err
}

// peer returns the state for addr, creating it and starting its worker on
// first use.
func (t *Transport) peer(addr net.Addr) (*peer, error) {
	if p := t.peers.get(addr); p != nil {
		return p, nil
	}

	p, created, err := t.peers.getOrCreate(addr, func() *peer {
		p := newPeer(addr, t.config, t.logger.With(logging.KeyPeer, addr.String()))
		p.out = t.seqs.acquire(p.key)
		recovery.Go(&t.wg, t.logger, "udp.peerWorker", func() { t.serve(p) })
		return p
	})
	if err != nil {
		if errors.Is(err, errRegistryClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	if created {
		t.metrics.RecordPeerAdded()
		t.logger.Debug("peer added", logging.KeyPeer, p.key, logging.KeyCount, t.peers.len())
	}
	return p, nil
}

// peerRemoved runs under the registry lock whenever a peer leaves it.
func (t *Transport) peerRemoved(p *peer) {
	p.close()
	t.seqs.release(p.key, p.out)
	t.metrics.RecordPeerRemoved()
	t.logger.Debug("peer removed", logging.KeyPeer, p.key)
}

// readLoop reads datagrams from the socket and queues them for the sending
// peer's worker.
func (t *Transport) readLoop() {
	for {
		buf := pool.Get(protocol.MaxDatagramSize)

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			pool.Put(buf)
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("read failed", logging.KeyError, err)
			continue
		}

		t.dispatch(addr, buf[:n])
	}
}

func (t *Transport) dispatch(addr net.Addr, buf []byte) {
	p, err := t.peer(addr)
	if err != nil {
		pool.Put(buf)
		return
	}

	if !p.allow() {
		pool.Put(buf)
		t.metrics.RecordDatagramDropped(metrics.DatagramRateLimited)
		return
	}

	p.touch()
	p.datagrams.Add(1)

	if !p.enqueue(buf) {
		pool.Put(buf)
		t.metrics.RecordDatagramDropped(metrics.DatagramInboxFull)
		p.logger.Debug("dropping datagram, peer inbox full")
	}
}

// serve is the peer worker. It owns the peer's window and is the only
// goroutine that calls the handler for this peer.
func (t *Transport) serve(p *peer) {
	defer t.drain(p)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case buf := <-p.inbox:
			t.absorb(p, buf)
			pool.Put(buf)
		}
	}
}

// drain returns queued buffers to the pool once the worker stops.
func (t *Transport) drain(p *peer) {
	for {
		select {
		case buf := <-p.inbox:
			pool.Put(buf)
		default:
			return
		}
	}
}

func (t *Transport) absorb(p *peer, datagram []byte) {
	f, err := protocol.DecodeFragment(datagram)
	if err != nil {
		t.metrics.RecordDatagramDropped(metrics.DatagramDecodeError)
		p.logger.Debug("dropping undecodable datagram",
			logging.KeySize, len(datagram),
			logging.KeyError, err)
		return
	}
	t.metrics.RecordFragmentReceived()

	if p.window == nil {
		p.window = reassembly.NewWindow(f.Sequence,
			reassembly.WithLogger(p.logger),
			reassembly.WithObserver(t.metrics.WindowObserver()))
	}

	msg := p.window.Absorb(f)
	if msg == nil {
		return
	}
	p.received.Add(1)

	recovery.Call(p.logger, "udp.handler", func() {
		t.handler.HandleMessage(p.addr, msg)
	})
}

// cleanupLoop periodically removes idle peers.
func (t *Transport) cleanupLoop() {
	ticker := time.NewTicker(t.config.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

// cleanupExpired removes peers that have exceeded the idle timeout.
func (t *Transport) cleanupExpired() {
	var expired []string
	for _, p := range t.peers.list() {
		if p.isExpired(t.config.IdleTimeout) {
			expired = append(expired, p.key)
		}
	}

	for _, key := range expired {
		t.peers.remove(key)
	}

	if len(expired) > 0 {
		t.logger.Debug("removed idle peers", logging.KeyCount, len(expired))
	}
}
