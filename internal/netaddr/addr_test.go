package netaddr

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
)

func TestRoundTripIPv4(t *testing.T) {
	in := Addr{IP: net.ParseIP("127.0.0.1").To4(), Port: 8080}
	buf, err := AppendTo(nil, in)
	if err != nil {
		t.Fatalf("AppendTo: %v", err)
	}
	out, err := ReadFrom(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !out.IP.Equal(in.IP) || out.Port != in.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRoundTripIPv6(t *testing.T) {
	in := Addr{IP: net.ParseIP("::1"), Port: 53}
	buf, err := AppendTo(nil, in)
	if err != nil {
		t.Fatalf("AppendTo: %v", err)
	}
	out, err := ReadFrom(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if !out.IP.Equal(in.IP) || out.Port != in.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRoundTripDomain(t *testing.T) {
	in := Addr{Domain: "google.com", Port: 0}
	buf, err := AppendTo(nil, in)
	if err != nil {
		t.Fatalf("AppendTo: %v", err)
	}

	want := []byte{0x03, 0x0A, 'g', 'o', 'o', 'g', 'l', 'e', '.', 'c', 'o', 'm', 0x00, 0x00}
	if !bytes.Equal(buf, want) {
		t.Fatalf("wire bytes = % x, want % x", buf, want)
	}

	out, err := ReadFrom(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if out.Domain != in.Domain || out.Port != in.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestUnknownAddressType(t *testing.T) {
	_, err := ReadFrom(bytes.NewReader([]byte{0xEE}))
	var ut ErrUnknownType
	if !errors.As(err, &ut) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestInvalidDomainUTF8(t *testing.T) {
	buf := []byte{TypeDomain, 0x02, 0xFF, 0xFE, 0x00, 0x00}
	_, err := ReadFrom(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
}

func TestShortReadIsUnexpectedEOF(t *testing.T) {
	buf := []byte{TypeIPv4, 127, 0, 0} // missing 1 address byte + port
	_, err := ReadFrom(bytes.NewReader(buf))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDomainTooLong(t *testing.T) {
	longDomain := make([]byte, 256)
	for i := range longDomain {
		longDomain[i] = 'a'
	}
	_, err := AppendTo(nil, Addr{Domain: string(longDomain), Port: 1})
	if err == nil {
		t.Fatalf("expected error for over-long domain")
	}
}
