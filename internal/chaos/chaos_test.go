package chaos

import (
	"net"
	"testing"
	"time"
)

func TestFaultInjector_AlwaysDrop(t *testing.T) {
	injector := NewFaultInjector(Config{Drop: 1.0, Seed: 1})

	for i := 0; i < 10; i++ {
		if fault, _ := injector.Next(); fault != FaultDrop {
			t.Fatalf("Next() = %v, want %v", fault, FaultDrop)
		}
	}

	if got := injector.GetStats()[FaultDrop]; got != 10 {
		t.Errorf("drop hits = %d, want 10", got)
	}
}

func TestFaultInjector_Disabled(t *testing.T) {
	injector := NewFaultInjector(Config{Drop: 1.0, Seed: 1})
	injector.Disable()

	if fault, _ := injector.Next(); fault != FaultNone {
		t.Errorf("Next() = %v, want %v when disabled", fault, FaultNone)
	}
	if injector.IsEnabled() {
		t.Error("IsEnabled() = true after Disable")
	}

	injector.Enable()
	if fault, _ := injector.Next(); fault != FaultDrop {
		t.Errorf("Next() = %v, want %v after Enable", fault, FaultDrop)
	}
}

func TestFaultInjector_ZeroProbability(t *testing.T) {
	injector := NewFaultInjector(Config{Seed: 1})

	for i := 0; i < 100; i++ {
		if fault, _ := injector.Next(); fault != FaultNone {
			t.Fatalf("Next() = %v, want %v", fault, FaultNone)
		}
	}
	if len(injector.GetStats()) != 0 {
		t.Errorf("GetStats() = %v, want empty", injector.GetStats())
	}
}

func TestFaultInjector_DelayBounds(t *testing.T) {
	injector := NewFaultInjector(Config{Delay: 1.0, MaxDelay: 10 * time.Millisecond, Seed: 3})

	for i := 0; i < 50; i++ {
		fault, delay := injector.Next()
		if fault != FaultDelay {
			t.Fatalf("Next() = %v, want %v", fault, FaultDelay)
		}
		if delay <= 0 || delay > 10*time.Millisecond {
			t.Fatalf("delay = %v, want in (0, 10ms]", delay)
		}
	}
}

func TestFaultInjector_Reset(t *testing.T) {
	injector := NewFaultInjector(Config{Duplicate: 1.0, Seed: 1})
	injector.Next()
	injector.Reset()

	if len(injector.GetStats()) != 0 {
		t.Errorf("GetStats() = %v after Reset, want empty", injector.GetStats())
	}
}

func TestFaultType_String(t *testing.T) {
	tests := []struct {
		fault FaultType
		want  string
	}{
		{FaultNone, "none"},
		{FaultDrop, "drop"},
		{FaultDuplicate, "duplicate"},
		{FaultDelay, "delay"},
		{FaultType(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.fault.String(); got != tt.want {
			t.Errorf("FaultType(%d).String() = %q, want %q", tt.fault, got, tt.want)
		}
	}
}

// pair returns a wrapped sender and a plain receiver on loopback.
func pair(t *testing.T, cfg Config) (*PacketConn, net.PacketConn) {
	t.Helper()

	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	recv, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		send.Close()
		t.Fatalf("ListenPacket() error = %v", err)
	}

	conn := NewPacketConn(send, cfg, nil)
	t.Cleanup(func() {
		conn.Close()
		recv.Close()
	})
	return conn, recv
}

func readAll(t *testing.T, conn net.PacketConn, wait time.Duration) []string {
	t.Helper()

	var got []string
	buf := make([]byte, 1500)
	for {
		conn.SetReadDeadline(time.Now().Add(wait))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return got
		}
		got = append(got, string(buf[:n]))
	}
}

func TestPacketConn_Drop(t *testing.T) {
	conn, recv := pair(t, Config{Drop: 1.0, Seed: 1})

	n, err := conn.WriteTo([]byte("lost"), recv.LocalAddr())
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != 4 {
		t.Errorf("WriteTo() = %d, want 4", n)
	}

	if got := readAll(t, recv, 100*time.Millisecond); len(got) != 0 {
		t.Errorf("received %v, want nothing", got)
	}
}

func TestPacketConn_Duplicate(t *testing.T) {
	conn, recv := pair(t, Config{Duplicate: 1.0, Seed: 1})

	if _, err := conn.WriteTo([]byte("twice"), recv.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got := readAll(t, recv, 200*time.Millisecond)
	if len(got) != 2 || got[0] != "twice" || got[1] != "twice" {
		t.Errorf("received %v, want two copies", got)
	}
}

func TestPacketConn_Delay(t *testing.T) {
	conn, recv := pair(t, Config{Delay: 1.0, MaxDelay: 20 * time.Millisecond, Seed: 5})

	payload := []byte("later")
	if _, err := conn.WriteTo(payload, recv.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	copy(payload, "XXXXX")

	got := readAll(t, recv, 300*time.Millisecond)
	if len(got) != 1 || got[0] != "later" {
		t.Errorf("received %v, want [later]", got)
	}
}

func TestPacketConn_PassThrough(t *testing.T) {
	conn, recv := pair(t, Config{Seed: 1})
	conn.Injector().Disable()

	if _, err := conn.WriteTo([]byte("plain"), recv.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got := readAll(t, recv, 200*time.Millisecond)
	if len(got) != 1 || got[0] != "plain" {
		t.Errorf("received %v, want [plain]", got)
	}
}

func TestPacketConn_DelayAfterClose(t *testing.T) {
	conn, recv := pair(t, Config{Delay: 1.0, MaxDelay: time.Millisecond, Seed: 1})
	conn.Close()

	if _, err := conn.WriteTo([]byte("x"), recv.LocalAddr()); err == nil {
		t.Error("WriteTo() after Close should fail")
	}
}
