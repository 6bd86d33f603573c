package sockopt

import (
	"context"
	"testing"
)

func TestListenConfigBindsLoopback(t *testing.T) {
	lc := ListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	if ln.Addr().String() == "" {
		t.Fatal("expected a bound address")
	}
}

func TestListenConfigBindsUDP(t *testing.T) {
	lc := ListenConfig()
	conn, err := lc.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	if conn.LocalAddr().String() == "" {
		t.Fatal("expected a bound address")
	}
}
