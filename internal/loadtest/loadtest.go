// Package loadtest measures how many routing messages survive a lossy link.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/meshudp/internal/chaos"
	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/udp"
)

// headerSize is the message index plus the send timestamp carried at the
// start of every payload.
const headerSize = 16

// DeliveryMetrics contains the result of a delivery test.
type DeliveryMetrics struct {
	Sent         int64
	Delivered    int64
	Corrupted    int64
	Duplicated   int64
	SendErrors   int64
	AvgLatencyMs float64
	MaxLatencyMs float64
	MinLatencyMs float64
	Duration     time.Duration
	DeliveryRate float64 // Delivered / Sent
	ThroughputMB float64 // delivered MiB per second
}

// Config configures a delivery test.
type Config struct {
	// Messages is the number of messages sent.
	Messages int
	// Size is the payload size of every message, at least 16 bytes.
	Size int
	// Concurrency is the number of sending goroutines. Sends from one
	// sender are serialized by the transport, so this mostly affects
	// scheduling.
	Concurrency int
	// Interval is the pause between sends in each goroutine.
	Interval time.Duration
	// Settle is how long to wait for stragglers after the last send.
	Settle time.Duration
	// PayloadSize is the fragment payload size. 0 uses the default.
	PayloadSize int
	// Chaos is applied to the sender's socket.
	Chaos chaos.Config
}

// DeliveryTester sends messages between two loopback transports and counts
// what arrives intact.
type DeliveryTester struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	metrics  DeliveryMetrics
	payloads map[uint64][]byte
	seen     map[uint64]bool
	latency  float64
}

// NewDeliveryTester creates a new delivery tester.
func NewDeliveryTester(cfg Config, logger *slog.Logger) *DeliveryTester {
	if cfg.Size < headerSize {
		cfg.Size = headerSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 200 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &DeliveryTester{
		cfg:      cfg,
		logger:   logger,
		payloads: make(map[uint64][]byte, cfg.Messages),
		seen:     make(map[uint64]bool, cfg.Messages),
		metrics: DeliveryMetrics{
			MinLatencyMs: float64(^uint64(0) >> 1),
		},
	}
}

// Run executes the delivery test.
func (d *DeliveryTester) Run(ctx context.Context) (*DeliveryMetrics, error) {
	tcfg := udp.DefaultConfig()
	tcfg.Listen = "127.0.0.1:0"
	tcfg.IdleTimeout = 0
	tcfg.InboxSize = 4096
	if d.cfg.PayloadSize > 0 {
		tcfg.PayloadSize = d.cfg.PayloadSize
	}

	receiver, err := udp.Listen(ctx, tcfg, udp.HandlerFunc(d.receive), d.logger, nil)
	if err != nil {
		return nil, fmt.Errorf("start receiver: %w", err)
	}
	defer receiver.Close()

	conn, err := udp.ListenPacket(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("open sender socket: %w", err)
	}
	sender, err := udp.New(chaos.NewPacketConn(conn, d.cfg.Chaos, d.logger), tcfg, nil, d.logger, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("start sender: %w", err)
	}
	defer sender.Close()

	var next atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n := next.Add(1) - 1
				if n >= int64(d.cfg.Messages) || ctx.Err() != nil {
					return
				}
				d.send(ctx, sender, receiver.LocalAddr(), uint64(n))
				if d.cfg.Interval > 0 {
					time.Sleep(d.cfg.Interval)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-time.After(d.cfg.Settle):
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	m := d.metrics
	m.Duration = time.Since(start)
	if m.Sent > 0 {
		m.DeliveryRate = float64(m.Delivered) / float64(m.Sent)
	}
	if m.Delivered > 0 {
		m.AvgLatencyMs = d.latency / float64(m.Delivered)
		m.ThroughputMB = float64(m.Delivered) * float64(d.cfg.Size) / (1024 * 1024) / m.Duration.Seconds()
	} else {
		m.MinLatencyMs = 0
	}

	return &m, nil
}

func (d *DeliveryTester) send(ctx context.Context, tr *udp.Transport, to net.Addr, index uint64) {
	payload := make([]byte, d.cfg.Size)
	rand.Read(payload[headerSize:])
	binary.BigEndian.PutUint64(payload, index)
	binary.BigEndian.PutUint64(payload[8:], uint64(time.Now().UnixNano()))

	d.mu.Lock()
	d.payloads[index] = payload
	d.mu.Unlock()

	err := tr.Send(ctx, to, &protocol.RoutingMessage{Payload: payload})

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.metrics.SendErrors++
		return
	}
	d.metrics.Sent++
}

func (d *DeliveryTester) receive(_ net.Addr, msg *protocol.RoutingMessage) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(msg.Payload) < headerSize {
		d.metrics.Corrupted++
		return
	}

	index := binary.BigEndian.Uint64(msg.Payload)
	want, ok := d.payloads[index]
	if !ok || !bytes.Equal(want, msg.Payload) {
		d.metrics.Corrupted++
		return
	}
	if d.seen[index] {
		d.metrics.Duplicated++
		return
	}
	d.seen[index] = true
	d.metrics.Delivered++

	sentAt := time.Unix(0, int64(binary.BigEndian.Uint64(msg.Payload[8:])))
	latency := float64(now.Sub(sentAt).Microseconds()) / 1000
	d.latency += latency
	if latency > d.metrics.MaxLatencyMs {
		d.metrics.MaxLatencyMs = latency
	}
	if latency < d.metrics.MinLatencyMs {
		d.metrics.MinLatencyMs = latency
	}
}
