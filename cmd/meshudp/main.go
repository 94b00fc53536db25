// Package main provides the CLI entry point for the meshudp node.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/meshudp/internal/agent"
	"github.com/postalsys/meshudp/internal/config"
	"github.com/postalsys/meshudp/internal/loadtest"
	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/probe"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/sysinfo"
	"github.com/postalsys/meshudp/internal/udp"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshudp",
		Short: "meshudp - fragmented routing messages over UDP",
		Long: `meshudp carries routing messages between mesh nodes over plain UDP.

Messages are split into small fragments, tagged with a per-peer sequence
number and reassembled by the receiver inside a short sliding window.
Delivery is best effort: nothing is acknowledged or retransmitted.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var output string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			if err := os.WriteFile(output, []byte(config.Default().String()), 0644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "./config.yaml", "Path of the configuration file to create")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string
	var echo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node",
		Long:  "Start a node with the specified configuration and log every message it receives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg, agent.WithEcho(echo))
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			fmt.Printf("Listening on %s\n", a.LocalAddr())
			if addr := a.HealthAddr(); addr != nil {
				fmt.Printf("Health and metrics: http://%s/healthz\n", addr)
			}

			<-ctx.Done()
			fmt.Println("\nShutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&echo, "echo", false, "Send every received message back along its return route")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		to          string
		file        string
		data        string
		route       []string
		returnRoute []string
		listen      string
		payloadSize int
		wait        time.Duration
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one routing message",
		Long: `Send one routing message from an ephemeral socket.

With --wait the command keeps the socket open and prints any reply that
arrives before the timeout, which pairs with "meshudp run --echo".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(file, data)
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Node.LogLevel = logLevel
			cfg.Transport.Listen = listen
			if payloadSize > 0 {
				cfg.Transport.PayloadSize = payloadSize
			}

			replies := make(chan *protocol.RoutingMessage, 1)
			a, err := agent.New(cfg,
				agent.WithLogger(logging.NewLogger(logLevel, "text")),
				agent.WithHandler(udp.HandlerFunc(func(_ net.Addr, msg *protocol.RoutingMessage) {
					select {
					case replies <- msg:
					default:
					}
				})))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return err
			}
			defer a.Stop()

			msg := &protocol.RoutingMessage{
				OnwardRoute: route,
				ReturnRoute: returnRoute,
				Payload:     payload,
			}
			if err := a.Send(ctx, to, msg); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Printf("Sent %s to %s\n", humanize.IBytes(uint64(len(payload))), to)

			if wait <= 0 {
				return nil
			}

			select {
			case reply := <-replies:
				fmt.Printf("Reply (%s, onward %v): %s\n",
					humanize.IBytes(uint64(len(reply.Payload))), reply.OnwardRoute, preview(reply.Payload))
				return nil
			case <-time.After(wait):
				return errors.New("no reply before timeout")
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Destination host:port")
	cmd.Flags().StringVar(&file, "file", "", "Read the payload from a file")
	cmd.Flags().StringVar(&data, "data", "", "Payload as a string")
	cmd.Flags().StringSliceVar(&route, "route", nil, "Onward route, comma separated")
	cmd.Flags().StringSliceVar(&returnRoute, "return-route", nil, "Return route, comma separated")
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:0", "Local address to send from")
	cmd.Flags().IntVar(&payloadSize, "payload-size", 0, "Fragment payload size in bytes (default from configuration defaults)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for a reply")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagsMutuallyExclusive("file", "data")

	return cmd
}

func benchCmd() *cobra.Command {
	var (
		cfg      loadtest.Config
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure delivery between two loopback transports",
		Long: `Send messages between two transports on 127.0.0.1 and report how many
arrive intact. The chaos flags inject loss, duplication and reordering on the
sending socket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Messages <= 0 {
				return errors.New("--messages must be positive")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tester := loadtest.NewDeliveryTester(cfg, logging.NewLogger(logLevel, "text"))
			m, err := tester.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Messages:    %d sent, %d delivered (%.1f%%)\n", m.Sent, m.Delivered, m.DeliveryRate*100)
			fmt.Printf("Errors:      %d send, %d corrupted, %d duplicated\n", m.SendErrors, m.Corrupted, m.Duplicated)
			fmt.Printf("Latency:     min %.2fms avg %.2fms max %.2fms\n", m.MinLatencyMs, m.AvgLatencyMs, m.MaxLatencyMs)
			fmt.Printf("Throughput:  %.2f MiB/s over %s\n", m.ThroughputMB, m.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Messages, "messages", 1000, "Number of messages to send")
	cmd.Flags().IntVar(&cfg.Size, "size", 4096, "Payload size of each message in bytes")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 1, "Number of sending goroutines")
	cmd.Flags().DurationVar(&cfg.Interval, "interval", 0, "Pause between sends in each goroutine")
	cmd.Flags().DurationVar(&cfg.Settle, "settle", 500*time.Millisecond, "Time to wait for late fragments after the last send")
	cmd.Flags().IntVar(&cfg.PayloadSize, "payload-size", 0, "Fragment payload size in bytes")
	cmd.Flags().Float64Var(&cfg.Chaos.Drop, "drop", 0, "Probability of dropping a datagram")
	cmd.Flags().Float64Var(&cfg.Chaos.Duplicate, "duplicate", 0, "Probability of duplicating a datagram")
	cmd.Flags().Float64Var(&cfg.Chaos.Delay, "delay", 0, "Probability of delaying a datagram")
	cmd.Flags().DurationVar(&cfg.Chaos.MaxDelay, "max-delay", 50*time.Millisecond, "Upper bound of an injected delay")
	cmd.Flags().Uint64Var(&cfg.Chaos.Seed, "seed", 0, "Fault injection seed (0 seeds from the clock)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

func probeCmd() *cobra.Command {
	var opts probe.Options

	cmd := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Check that a node answers echo requests",
		Long: `Send echo requests to a node started with "meshudp run --echo" and report
the round-trip times. Use --size above the fragment payload size to exercise
fragmentation and reassembly on both ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Address = args[0]

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result := probe.Probe(ctx, opts)
			fmt.Printf("Probe %s: %d sent, %d received\n", result.Address, result.Sent, result.Received)
			if !result.Success {
				return fmt.Errorf("probe failed: %s", result.ErrorDetail)
			}
			fmt.Printf("RTT min/avg/max = %s/%s/%s\n", result.MinRTT, result.AvgRTT, result.MaxRTT)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "0.0.0.0:0", "Local address to send from")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 3, "Number of echo requests")
	cmd.Flags().IntVar(&opts.Size, "size", 64, "Payload size of each request in bytes")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Second, "Wait for each reply")
	cmd.Flags().IntVar(&opts.PayloadSize, "payload-size", 0, "Fragment payload size in bytes")

	return cmd
}

func readPayload(file, data string) ([]byte, error) {
	if file == "" {
		return []byte(data), nil
	}
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return b, nil
}

// preview returns printable text, cut to a single terminal line.
func preview(b []byte) string {
	const limit = 72
	s := strings.ToValidUTF8(string(b), "?")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
