package network

import (
	"net"
	"testing"
)

func TestAllocateOneDistinct(t *testing.T) {
	a := NewPortAllocator()

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := a.AllocateOne()
		if err != nil {
			t.Fatalf("AllocateOne: %v", err)
		}
		if port < 1 || port > 65535 {
			t.Fatalf("port %d out of range", port)
		}
		if seen[port] {
			t.Fatalf("port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestClaim(t *testing.T) {
	a := NewPortAllocator()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	busy := listener.Addr().(*net.TCPAddr).Port

	if err := a.Claim(busy); err == nil {
		t.Fatalf("Claim(%d) succeeded on a bound port", busy)
	}

	free, err := a.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	if err := a.Claim(free); err == nil {
		t.Fatalf("Claim(%d) succeeded on an already allocated port", free)
	}

	a.Release(free)
	if err := a.Claim(free); err != nil {
		t.Fatalf("Claim(%d) after Release: %v", free, err)
	}
}

func TestMACStability(t *testing.T) {
	ip := net.ParseIP("192.168.56.41")
	mac := MACForIP(ip)
	if mac != "52:54:00:a8:38:29" {
		t.Fatalf("MACForIP = %q", mac)
	}
	if _, err := net.ParseMAC(mac); err != nil {
		t.Fatalf("MACForIP produced invalid MAC %q: %v", mac, err)
	}

	byName := MACForName("web01")
	if byName != MACForName("web01") {
		t.Fatal("MACForName not stable")
	}
	if byName == MACForName("web02") {
		t.Fatal("MACForName collides for different names")
	}
	if _, err := net.ParseMAC(byName); err != nil {
		t.Fatalf("MACForName produced invalid MAC %q: %v", byName, err)
	}
}
