// Package netaddr implements the SOCKS5-style destination address header
// used both at the head of every decrypted TCP stream and as a payload
// prefix on every UDP datagram.
package netaddr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"unicode/utf8"
)

// Address type octets on the wire.
const (
	TypeIPv4   byte = 0x01
	TypeDomain byte = 0x03
	TypeIPv6   byte = 0x04
)

// Addr is a parsed destination address: either a resolved socket address
// or a domain name awaiting resolution.
type Addr struct {
	IP     net.IP // set when the wire type was IPv4 or IPv6
	Domain string // set when the wire type was a domain name
	Port   uint16
}

// IsDomain reports whether this address carries a domain name rather than
// a literal IP.
func (a Addr) IsDomain() bool {
	return a.Domain != ""
}

// String renders "host:port" for logging.
func (a Addr) String() string {
	host := a.Domain
	if host == "" {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// HostPort returns a (host, port) pair suitable for net.Dial / net.ResolveUDPAddr.
func (a Addr) HostPort() (string, uint16) {
	if a.Domain != "" {
		return a.Domain, a.Port
	}
	return a.IP.String(), a.Port
}

// ErrUnknownType is returned for any ATYP byte other than IPv4/IPv6/domain.
type ErrUnknownType byte

func (e ErrUnknownType) Error() string {
	return fmt.Sprintf("netaddr: unknown address type %#x", byte(e))
}

// ErrInvalidDomain is returned when domain bytes fail UTF-8 validation.
var ErrInvalidDomain = fmt.Errorf("netaddr: invalid domain syntax")

// ReadFrom parses an Addr from the wire: ATYP(1) || ADDR(var) || PORT(2, BE).
// Short reads surface as io.ErrUnexpectedEOF, including input that ends
// before any byte of a field has been read.
func ReadFrom(r io.Reader) (addr Addr, err error) {
	defer func() {
		// io.ReadFull reports a read that got no bytes at all as io.EOF.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Addr{}, err
	}

	switch typeBuf[0] {
	case TypeIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, err
		}
		return Addr{
			IP:   net.IP(buf[:4]),
			Port: binary.BigEndian.Uint16(buf[4:6]),
		}, nil

	case TypeIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, err
		}
		return Addr{
			IP:   net.IP(buf[:16]),
			Port: binary.BigEndian.Uint16(buf[16:18]),
		}, nil

	case TypeDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Addr{}, err
		}
		n := int(lenBuf[0])
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Addr{}, err
		}
		domain := buf[:n]
		if !utf8.Valid(domain) {
			return Addr{}, ErrInvalidDomain
		}
		return Addr{
			Domain: string(domain),
			Port:   binary.BigEndian.Uint16(buf[n : n+2]),
		}, nil

	default:
		return Addr{}, ErrUnknownType(typeBuf[0])
	}
}

// AppendTo serializes a into dst and returns the extended slice.
func AppendTo(dst []byte, a Addr) ([]byte, error) {
	switch {
	case a.Domain != "":
		if len(a.Domain) > 255 {
			return nil, fmt.Errorf("netaddr: domain %q exceeds 255 bytes", a.Domain)
		}
		dst = append(dst, TypeDomain, byte(len(a.Domain)))
		dst = append(dst, a.Domain...)

	case a.IP.To4() != nil:
		dst = append(dst, TypeIPv4)
		dst = append(dst, a.IP.To4()...)

	case len(a.IP) == net.IPv6len:
		dst = append(dst, TypeIPv6)
		dst = append(dst, a.IP.To16()...)

	default:
		return nil, fmt.Errorf("netaddr: address has neither domain nor IP")
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	dst = append(dst, portBuf[:]...)
	return dst, nil
}

// FromUDPAddr builds an Addr from a resolved *net.UDPAddr, for serializing
// a return-path source address into a UDP reply header.
func FromUDPAddr(addr *net.UDPAddr) Addr {
	return Addr{IP: addr.IP, Port: uint16(addr.Port)}
}
