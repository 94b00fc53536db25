// Package agent assembles a meshudp node from its configuration: the UDP
// transport, optional fault injection, metrics and the health server.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/meshudp/internal/chaos"
	"github.com/postalsys/meshudp/internal/config"
	"github.com/postalsys/meshudp/internal/health"
	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/metrics"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/udp"
)

// Option configures an Agent.
type Option func(*Agent)

// WithLogger replaces the logger built from the node configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithHandler sets a handler called for every received message, after it
// has been logged.
func WithHandler(h udp.Handler) Option {
	return func(a *Agent) {
		a.handler = h
	}
}

// WithEcho makes the agent answer every message with its own payload along
// the message's return route.
func WithEcho(echo bool) Option {
	return func(a *Agent) {
		a.echo = echo
	}
}

// Stats contains agent statistics.
type Stats struct {
	PeerCount int    `json:"peer_count"`
	LocalAddr string `json:"local_addr"`
}

// Agent is a running meshudp node.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	handler  udp.Handler
	echo     bool
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	transport    *udp.Transport
	echoVia      atomic.Pointer[udp.Transport] // read by peer workers
	chaosConn    *chaos.PacketConn
	healthServer *health.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates an agent. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &Agent{
		cfg:      cfg,
		logger:   logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat),
		registry: registry,
		metrics:  metrics.NewMetricsWithRegistry(registry),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Start opens the socket and starts serving.
func (a *Agent) Start(ctx context.Context) error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	tcfg := udp.ConfigFrom(a.cfg)

	conn, err := udp.ListenPacket(ctx, tcfg)
	if err != nil {
		return err
	}

	if a.cfg.Chaos.Enabled {
		a.chaosConn = chaos.NewPacketConn(conn, chaos.Config{
			Drop:      a.cfg.Chaos.Drop,
			Duplicate: a.cfg.Chaos.Duplicate,
			Delay:     a.cfg.Chaos.Delay,
			MaxDelay:  a.cfg.Chaos.MaxDelay,
		}, a.logger)
		conn = a.chaosConn
		a.logger.Warn("fault injection enabled",
			"drop", a.cfg.Chaos.Drop,
			"duplicate", a.cfg.Chaos.Duplicate,
			"delay", a.cfg.Chaos.Delay)
	}

	a.transport, err = udp.New(conn, tcfg, udp.HandlerFunc(a.handleMessage), a.logger, a.metrics)
	if err != nil {
		conn.Close()
		return fmt.Errorf("start transport: %w", err)
	}
	a.echoVia.Store(a.transport)

	if a.cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      a.cfg.Health.Address,
			ReadTimeout:  a.cfg.Health.ReadTimeout,
			WriteTimeout: a.cfg.Health.WriteTimeout,
		}, a.transport, a.registry, a.logger)

		if err := a.healthServer.Start(); err != nil {
			a.transport.Close()
			return fmt.Errorf("start health server: %w", err)
		}
		a.healthServer.SetReady(true)
	}

	a.running.Store(true)
	a.logger.Info("agent started",
		logging.KeyLocalAddr, a.transport.LocalAddr(),
		"echo", a.echo)

	return nil
}

// Stop gracefully stops the agent.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		start := time.Now()
		a.running.Store(false)

		if a.healthServer != nil {
			a.healthServer.SetReady(false)
			a.healthServer.Stop()
		}
		if a.transport != nil {
			err = a.transport.Close()
		}

		a.logger.Info("agent stopped", logging.KeyDuration, time.Since(start))
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Send resolves addr and sends msg to it.
func (a *Agent) Send(ctx context.Context, addr string, msg *protocol.RoutingMessage) error {
	if !a.running.Load() {
		return fmt.Errorf("agent not running")
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	return a.transport.Send(ctx, raddr, msg)
}

// LocalAddr returns the transport's bound address, or nil before Start.
func (a *Agent) LocalAddr() net.Addr {
	if a.transport == nil {
		return nil
	}
	return a.transport.LocalAddr()
}

// HealthAddr returns the health server address, or nil when disabled.
func (a *Agent) HealthAddr() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Registry returns the Prometheus registry holding the agent's metrics.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Stats returns agent statistics.
func (a *Agent) Stats() Stats {
	if a.transport == nil {
		return Stats{}
	}
	return Stats{
		PeerCount: a.transport.PeerCount(),
		LocalAddr: a.transport.LocalAddr().String(),
	}
}

func (a *Agent) handleMessage(from net.Addr, msg *protocol.RoutingMessage) {
	a.logger.Info("received routing message",
		logging.KeyRemoteAddr, from,
		logging.KeySize, humanize.IBytes(uint64(len(msg.Payload))),
		"onward_route", msg.OnwardRoute,
		"return_route", msg.ReturnRoute)

	if a.handler != nil {
		a.handler.HandleMessage(from, msg)
	}

	if tr := a.echoVia.Load(); a.echo && tr != nil {
		if err := tr.Send(context.Background(), from, msg.Reply(msg.Payload)); err != nil {
			a.logger.Warn("echo failed", logging.KeyRemoteAddr, from, logging.KeyError, err)
		}
	}
}
