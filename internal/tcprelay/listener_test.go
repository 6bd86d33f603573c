package tcprelay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
	"github.com/postalsys/muti-metroo/internal/netaddr"
	"github.com/postalsys/muti-metroo/internal/streamaead"
)

const testPassphrase = "correct horse battery staple"

func startEchoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln
}

func dialAndRequest(t *testing.T, relayAddr string, masterKey []byte, dest netaddr.Addr, payload []byte) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", relayAddr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	writer, _, err := streamaead.NewWriterRandomSalt(conn, cipherkind.AES256GCM, masterKey)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	reader := streamaead.NewReader(conn, cipherkind.AES256GCM, masterKey)

	header, err := netaddr.AppendTo(nil, dest)
	if err != nil {
		t.Fatalf("encode address: %v", err)
	}
	if _, err := writer.Write(append(header, payload...)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	out := make([]byte, len(payload))
	if _, err := io.ReadFull(reader, out); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	return out
}

func TestRelaySuccessfulRoundTrip(t *testing.T) {
	echo := startEchoServer(t)
	defer echo.Close()

	masterKey := cipherkind.MasterKey(testPassphrase, cipherkind.AES256GCM.KeySize())

	l := NewListener(Config{Address: "127.0.0.1:0", DialTimeout: 2 * time.Second}, cipherkind.AES256GCM, masterKey)
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	echoPort := echo.Addr().(*net.TCPAddr).Port
	dest := netaddr.Addr{IP: net.ParseIP("127.0.0.1"), Port: uint16(echoPort)}

	got := dialAndRequest(t, l.Address().String(), masterKey, dest, []byte("hello relay"))
	if string(got) != "hello relay" {
		t.Fatalf("echo = %q, want %q", got, "hello relay")
	}
}

func TestRelayClosesOnDialFailure(t *testing.T) {
	masterKey := cipherkind.MasterKey(testPassphrase, cipherkind.AES256GCM.KeySize())

	l := NewListener(Config{Address: "127.0.0.1:0", DialTimeout: 200 * time.Millisecond}, cipherkind.AES256GCM, masterKey)
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	writer, _, err := streamaead.NewWriterRandomSalt(conn, cipherkind.AES256GCM, masterKey)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	// Port 1 on the loopback address is essentially guaranteed closed.
	dest := netaddr.Addr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	header, _ := netaddr.AppendTo(nil, dest)
	if _, err := writer.Write(header); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed after dial failure")
	}
}

func TestAntiProbeReadsForeverUntilPeerCloses(t *testing.T) {
	masterKey := cipherkind.MasterKey(testPassphrase, cipherkind.AES256GCM.KeySize())

	l := NewListener(Config{Address: "127.0.0.1:0"}, cipherkind.AES256GCM, masterKey)
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	conn, err := net.Dial("tcp", l.Address().String())
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}

	// Garbage bytes that look nothing like a valid salt + AEAD frame.
	if _, err := conn.Write([]byte("not a real shadowsocks handshake at all, just junk")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	// The relay must not close its side in response to the garbage; give
	// it a moment and confirm the socket is still readable (no FIN seen).
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("did not expect the relay to send any bytes back")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected a read timeout (connection still open), got: %v", err)
	}

	// Now the client closes; the relay's anti-probe loop should notice
	// and release the connection without hanging the test.
	conn.Close()
}
