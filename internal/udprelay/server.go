// Package udprelay implements the UDP relay fabric described in spec
// §4.8: a server loop owning the shared listening socket, the packet
// cipher, and a bounded LRU-with-TTL route table, dispatching inbound
// datagrams to per-client tunnel workers.
package udprelay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/netaddr"
	"github.com/postalsys/muti-metroo/internal/packetaead"
	"github.com/postalsys/muti-metroo/internal/recovery"
)

// Defaults for the two bounded channels described in §4.8.2.
const (
	SendChannelSize     = 51200
	KeepAliveChannelSize = 64

	maxDatagramSize = 65507
)

// ErrSendChannelFull is logged (never propagated) when a client's worker
// channel is saturated; the datagram is dropped per §4.8.2.
var ErrSendChannelFull = fmt.Errorf("udprelay: send channel full")

// Config configures the route table's capacity and TTL (spec §6
// "udp_capacity" / "udp_expiry_time").
type Config struct {
	Capacity   int
	ExpiryTime time.Duration
}

// Server is the UDP relay's server loop (§4.8 "Server loop"). It reads
// the listening socket, which its workers share for writing replies back
// to clients; no locks are required because the route table is never
// shared across goroutines.
type Server struct {
	conn    *net.UDPConn
	cipher  *packetaead.Cipher
	logger  *slog.Logger
	metrics *metrics.Metrics

	route       *lru.LRU[string, *worker]
	keepAliveCh chan string

	cfg Config
}

// NewServer builds a UDP relay server bound to conn.
func NewServer(conn *net.UDPConn, kind cipherkind.Kind, masterKey []byte, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		conn:        conn,
		cipher:      packetaead.New(kind, masterKey),
		logger:      logger.With(logging.KeyComponent, "udprelay"),
		metrics:     m,
		keepAliveCh: make(chan string, KeepAliveChannelSize),
		cfg:         cfg,
	}
	s.route = newRouteTable(cfg.Capacity, cfg.ExpiryTime, s.logger, m)
	return s
}

// Run drives the server loop until ctx is cancelled. It owns the
// listening socket's read loop internally.
func (s *Server) Run(ctx context.Context) error {
	defer recovery.RecoverWithLog(s.logger, "udprelay.Server.Run")

	type inbound struct {
		data []byte
		n    int
		from *net.UDPAddr
	}
	inboundCh := make(chan inbound, 32)

	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			s.conn.SetReadDeadline(time.Now().Add(time.Second))
			n, from, err := s.conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case <-ctx.Done():
						return
					default:
						continue
					}
				}
				select {
				case <-ctx.Done():
				default:
					s.logger.Debug("udp read error", logging.KeyError, err)
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case inboundCh <- inbound{data: data, n: n, from: from}:
			case <-ctx.Done():
				return
			}
		}
	}()

	cleanupTick := time.NewTicker(s.cfg.ExpiryTime)
	defer cleanupTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case dg := <-inboundCh:
			s.handleInbound(dg.data, dg.from)

		case <-cleanupTick.C:
			// Force-touch every entry so TTL-expired-but-idle routes are
			// evicted even without new traffic (§9 "cleanup tick").
			s.route.Keys()

		case clientAddr := <-s.keepAliveCh:
			s.route.Get(clientAddr)
		}
	}
}

func (s *Server) handleInbound(data []byte, from *net.UDPAddr) {
	s.metrics.RecordUDPInbound()

	n, err := s.cipher.Decrypt(data)
	if err != nil {
		s.logger.Debug("udp decrypt failed",
			logging.KeyClientAddr, from.String(),
			logging.KeyError, err)
		s.metrics.RecordUDPDropped("decrypt_failed")
		return
	}
	if n == 0 {
		return
	}

	addr, err := netaddr.ReadFrom(bytes.NewReader(data[:n]))
	if err != nil {
		s.logger.Debug("udp address parse failed",
			logging.KeyClientAddr, from.String(),
			logging.KeyError, err)
		s.metrics.RecordUDPDropped("bad_address")
		return
	}

	headerLen, err := addressHeaderLen(addr)
	if err != nil || headerLen > n {
		s.metrics.RecordUDPDropped("bad_address")
		return
	}
	payload := data[headerLen:n]

	w := s.workerFor(from)
	if !w.enqueue(sendJob{dest: addr, payload: payload}) {
		s.logger.Warn("udp send channel full, dropping datagram",
			logging.KeyClientAddr, from.String(),
			logging.KeyError, ErrSendChannelFull)
		s.metrics.RecordUDPDropped("channel_full")
	}
}

// addressHeaderLen returns how many leading bytes of a decrypted
// datagram the address header occupies, by re-serializing the address
// that was just parsed from it.
func addressHeaderLen(addr netaddr.Addr) (int, error) {
	wire, err := netaddr.AppendTo(nil, addr)
	if err != nil {
		return 0, err
	}
	return len(wire), nil
}

func (s *Server) workerFor(clientAddr *net.UDPAddr) *worker {
	key := clientAddr.String()
	if w, ok := s.route.Get(key); ok {
		return w
	}
	w := newWorker(s, clientAddr)
	s.route.Add(key, w)
	s.metrics.SetUDPAssociationsActive(s.route.Len())
	return w
}
