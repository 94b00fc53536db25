package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/meshudp/internal/agent"
	"github.com/postalsys/meshudp/internal/config"
	"github.com/postalsys/meshudp/internal/logging"
)

func startEcho(t *testing.T) *agent.Agent {
	t.Helper()

	cfg := config.Default()
	cfg.Transport.Listen = "127.0.0.1:0"
	a, err := agent.New(cfg, agent.WithLogger(logging.NopLogger()), agent.WithEcho(true))
	if err != nil {
		t.Fatalf("agent.New() error = %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestProbe_Echo(t *testing.T) {
	echo := startEcho(t)

	tests := []struct {
		name string
		size int
	}{
		{"single fragment", 64},
		{"multi fragment", 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Probe(context.Background(), Options{
				Address: echo.LocalAddr().String(),
				Listen:  "127.0.0.1:0",
				Count:   3,
				Size:    tt.size,
			})

			if !result.Success {
				t.Fatalf("Probe() failed: %v (%s)", result.Error, result.ErrorDetail)
			}
			if result.Sent != 3 || result.Received != 3 {
				t.Errorf("Sent = %d, Received = %d, want 3 and 3", result.Sent, result.Received)
			}
			if result.MinRTT <= 0 || result.MinRTT > result.AvgRTT || result.AvgRTT > result.MaxRTT {
				t.Errorf("RTT ordering broken: min %v avg %v max %v", result.MinRTT, result.AvgRTT, result.MaxRTT)
			}
		})
	}
}

func TestProbe_NoReply(t *testing.T) {
	// A socket that never answers.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer silent.Close()

	result := Probe(context.Background(), Options{
		Address: silent.LocalAddr().String(),
		Listen:  "127.0.0.1:0",
		Count:   2,
		Timeout: 50 * time.Millisecond,
	})

	if result.Success {
		t.Fatal("Probe() succeeded against a silent socket")
	}
	if result.Sent != 2 || result.Received != 0 {
		t.Errorf("Sent = %d, Received = %d, want 2 and 0", result.Sent, result.Received)
	}
	if !strings.HasPrefix(result.ErrorDetail, "No reply") {
		t.Errorf("ErrorDetail = %q, want a no-reply description", result.ErrorDetail)
	}
}

func TestProbe_BadAddress(t *testing.T) {
	result := Probe(context.Background(), Options{Address: "not-an-address"})

	if result.Success {
		t.Fatal("Probe() succeeded with an invalid address")
	}
	if result.Error == nil {
		t.Error("Error is nil")
	}
	if result.Sent != 0 {
		t.Errorf("Sent = %d, want 0", result.Sent)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, "Could not resolve hostname"},
		{"refused", errors.New("write udp: connection refused"), "Connection refused"},
		{"unreachable", errors.New("sendto: network is unreachable"), "Network unreachable"},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "No reply"},
		{"no reply", errors.New("no reply within 2s"), "No reply"},
		{"corrupted", errors.New("echo payload corrupted"), "Reply received but payload differs"},
		{"other", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("classifyError() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}
