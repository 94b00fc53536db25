// Package probe checks that a meshudp node answers echo requests.
package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/meshudp/internal/logging"
	"github.com/postalsys/meshudp/internal/protocol"
	"github.com/postalsys/meshudp/internal/udp"
)

// nonceSize is the random prefix identifying each probe message.
const nonceSize = 8

// Options contains configuration for a connectivity probe.
type Options struct {
	// Address is the host:port of a node running with echo enabled.
	Address string

	// Listen is the local address to send from (default: "0.0.0.0:0").
	Listen string

	// Count is the number of echo requests (default: 3).
	Count int

	// Size is the payload size of each request. Sizes above one fragment
	// exercise reassembly on both ends (default: 64).
	Size int

	// Timeout bounds the wait for each reply (default: 2s).
	Timeout time.Duration

	// PayloadSize is the fragment payload size. 0 uses the default.
	PayloadSize int
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates that at least one reply arrived intact.
	Success bool

	// Address that was probed
	Address string

	Sent     int
	Received int

	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// Probe sends echo requests to opts.Address and measures the round trip of
// each reply.
func Probe(ctx context.Context, opts Options) *Result {
	result := &Result{Address: opts.Address}

	if opts.Listen == "" {
		opts.Listen = "0.0.0.0:0"
	}
	if opts.Count <= 0 {
		opts.Count = 3
	}
	if opts.Size < nonceSize {
		opts.Size = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return fail(err)
	}

	replies := make(chan []byte, opts.Count)
	cfg := udp.DefaultConfig()
	cfg.Listen = opts.Listen
	cfg.IdleTimeout = 0
	if opts.PayloadSize > 0 {
		cfg.PayloadSize = opts.PayloadSize
	}

	tr, err := udp.Listen(ctx, cfg, udp.HandlerFunc(func(_ net.Addr, msg *protocol.RoutingMessage) {
		select {
		case replies <- msg.Payload:
		default:
		}
	}), logging.NopLogger(), nil)
	if err != nil {
		return fail(err)
	}
	defer tr.Close()

	var total time.Duration
	var lastErr error
	for i := 0; i < opts.Count; i++ {
		payload := make([]byte, opts.Size)
		rand.Read(payload)

		start := time.Now()
		if err := tr.Send(ctx, addr, &protocol.RoutingMessage{Payload: payload}); err != nil {
			return fail(err)
		}
		result.Sent++

		rtt, err := await(ctx, replies, payload[:nonceSize], payload, opts.Timeout, start)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		result.Received++
		total += rtt
		if result.MinRTT == 0 || rtt < result.MinRTT {
			result.MinRTT = rtt
		}
		result.MaxRTT = max(result.MaxRTT, rtt)
	}

	if result.Received == 0 {
		if lastErr == nil {
			lastErr = errors.New("no reply")
		}
		return fail(lastErr)
	}

	result.Success = true
	result.AvgRTT = total / time.Duration(result.Received)
	return result
}

// await waits for the reply carrying nonce. Replies to earlier requests that
// arrive late are skipped.
func await(ctx context.Context, replies <-chan []byte, nonce, want []byte, timeout time.Duration, start time.Time) (time.Duration, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case got := <-replies:
			if !bytes.HasPrefix(got, nonce) {
				continue
			}
			if !bytes.Equal(got, want) {
				return 0, errors.New("echo payload corrupted")
			}
			return time.Since(start), nil
		case <-timer.C:
			return 0, fmt.Errorf("no reply within %s", timeout)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - nothing is listening on that port"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Network unreachable"
	}
	if strings.Contains(errStr, "address already in use") {
		return "Local address already in use"
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "no reply") {
		return "No reply - node not running with --echo, or a firewall drops UDP"
	}

	if strings.Contains(errStr, "corrupted") {
		return "Reply received but payload differs - fragments mixed up in transit"
	}

	return errStr
}
