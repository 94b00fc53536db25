package sysinfo

import (
	"net"
	"runtime"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	info := Collect()

	if info.OS != runtime.GOOS {
		t.Errorf("OS = %s, want %s", info.OS, runtime.GOOS)
	}
	if info.Arch != runtime.GOARCH {
		t.Errorf("Arch = %s, want %s", info.Arch, runtime.GOARCH)
	}
	if info.Version != Version {
		t.Errorf("Version = %s, want %s", info.Version, Version)
	}
	if info.StartTime != StartTime().Unix() {
		t.Errorf("StartTime = %d, want %d", info.StartTime, StartTime().Unix())
	}
	if info.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %d, want >= 0", info.UptimeSeconds)
	}
	if info.IPAddresses == nil {
		t.Error("IPAddresses should be empty, not nil")
	}
}

func TestGetLocalIPs(t *testing.T) {
	ips := GetLocalIPs()

	if len(ips) > 10 {
		t.Errorf("len(ips) = %d, want <= 10", len(ips))
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			t.Errorf("%q is not an IPv4 address", s)
			continue
		}
		if ip.IsLoopback() {
			t.Errorf("%s is a loopback address", s)
		}
	}
}

func TestUptime(t *testing.T) {
	if StartTime().After(time.Now()) {
		t.Error("StartTime is in the future")
	}
	if Uptime() <= 0 {
		t.Errorf("Uptime = %v, want > 0", Uptime())
	}
}
