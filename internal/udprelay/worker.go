package udprelay

import (
	"context"
	"net"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/netaddr"
	"github.com/postalsys/muti-metroo/internal/packetaead"
	"github.com/postalsys/muti-metroo/internal/recovery"
)

// sendJob is one client->target datagram awaiting delivery.
type sendJob struct {
	dest    netaddr.Addr
	payload []byte
}

// recvPacket is one datagram read off one of the worker's own outbound
// sockets, destined back to the client.
type recvPacket struct {
	data []byte
	from *net.UDPAddr
}

// worker owns the outbound sockets for one client's UDP association and
// relays traffic in both directions (§4.8 "Worker loop"). Dropping the
// worker (via stop) cancels its goroutines and closes its sockets.
type worker struct {
	clientAddr *net.UDPAddr
	server     *Server

	sendCh chan sendJob
	cancel context.CancelFunc

	keepAlivePending bool // touched only from the worker's own goroutine

	ipv4Conn *net.UDPConn
	ipv6Conn *net.UDPConn
	ipv4Recv chan recvPacket
	ipv6Recv chan recvPacket
}

func newWorker(server *Server, clientAddr *net.UDPAddr) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		clientAddr: clientAddr,
		server:     server,
		sendCh:     make(chan sendJob, SendChannelSize),
		cancel:     cancel,
	}
	go w.run(ctx)
	return w
}

// enqueue submits a client->target datagram. It never blocks: a full
// channel is a drop, per §4.8.2's backpressure contract.
func (w *worker) enqueue(job sendJob) bool {
	select {
	case w.sendCh <- job:
		return true
	default:
		return false
	}
}

func (w *worker) stop() {
	w.cancel()
}

func (w *worker) run(ctx context.Context) {
	defer recovery.RecoverWithLog(w.server.logger, "udprelay.worker")
	defer w.closeSockets()

	keepAliveTick := time.NewTicker(time.Second)
	defer keepAliveTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case job := <-w.sendCh:
			w.handleSend(job)

		case pkt := <-w.ipv4RecvChan():
			w.handleReturn(pkt)

		case pkt := <-w.ipv6RecvChan():
			w.handleReturn(pkt)

		case <-keepAliveTick.C:
			w.tickKeepAlive()
		}
	}
}

// ipv4RecvChan and ipv6RecvChan return nil until the corresponding
// socket exists, so a select on them blocks forever (§4.8 "a disabled
// socket is represented by a perpetually pending read").
func (w *worker) ipv4RecvChan() chan recvPacket { return w.ipv4Recv }
func (w *worker) ipv6RecvChan() chan recvPacket { return w.ipv6Recv }

func (w *worker) handleSend(job sendJob) {
	dest, err := w.resolve(job.dest)
	if err != nil {
		w.server.logger.Warn("udp destination resolution failed",
			logging.KeyClientAddr, w.clientAddr.String(),
			logging.KeyTargetAddr, job.dest.String(),
			logging.KeyError, err)
		w.server.metrics.RecordUDPDropped("resolve_failed")
		return
	}

	conn, err := w.outboundConnFor(dest)
	if err != nil {
		w.server.logger.Warn("udp outbound socket failed",
			logging.KeyError, err)
		w.server.metrics.RecordUDPDropped("outbound_socket")
		return
	}

	n, err := conn.WriteToUDP(job.payload, dest)
	if err != nil {
		w.server.logger.Warn("udp send to target failed",
			logging.KeyTargetAddr, dest.String(),
			logging.KeyError, err)
		return
	}
	if n < len(job.payload) {
		w.server.logger.Warn("udp partial send to target",
			logging.KeyTargetAddr, dest.String(),
			"sent", n, "want", len(job.payload))
	}
}

// resolve turns a parsed Addr into a concrete *net.UDPAddr: numeric
// addresses resolve synchronously, domains via DNS (first answer wins).
func (w *worker) resolve(a netaddr.Addr) (*net.UDPAddr, error) {
	if !a.IsDomain() {
		return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}, nil
	}

	ips, err := net.LookupIP(a.Domain)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, net.InvalidAddrError("no addresses for " + a.Domain)
	}
	return &net.UDPAddr{IP: ips[0], Port: int(a.Port)}, nil
}

func (w *worker) outboundConnFor(dest *net.UDPAddr) (*net.UDPConn, error) {
	if dest.IP.To4() != nil {
		if w.ipv4Conn == nil {
			conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
			if err != nil {
				return nil, err
			}
			w.ipv4Conn = conn
			w.ipv4Recv = make(chan recvPacket, 32)
			go w.readOutbound(conn, w.ipv4Recv)
		}
		return w.ipv4Conn, nil
	}

	if w.ipv6Conn == nil {
		conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: 0})
		if err != nil {
			return nil, err
		}
		w.ipv6Conn = conn
		w.ipv6Recv = make(chan recvPacket, 32)
		go w.readOutbound(conn, w.ipv6Recv)
	}
	return w.ipv6Conn, nil
}

// readOutbound forwards datagrams read from an outbound socket into the
// worker's own select loop via recv. It exits once the socket is closed
// (by closeSockets, on worker stop).
func (w *worker) readOutbound(conn *net.UDPConn, recv chan<- recvPacket) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		recv <- recvPacket{data: data, from: from}
	}
}

// handleReturn implements §4.8.1: a reply from a target is address-
// prefixed, packet-encrypted, and sent back to the client's original
// source address on the shared server socket.
func (w *worker) handleReturn(pkt recvPacket) {
	w.keepAlivePending = true

	header := netaddr.FromUDPAddr(pkt.from)
	wire, err := netaddr.AppendTo(nil, header)
	if err != nil {
		w.server.logger.Warn("udp return address encode failed", logging.KeyError, err)
		return
	}

	sealed, err := w.server.cipher.Encrypt(wire, pkt.data)
	if err != nil {
		w.server.logger.Warn("udp return encrypt failed", logging.KeyError, err)
		return
	}

	if _, err := w.server.conn.WriteToUDP(sealed, w.clientAddr); err != nil {
		w.server.logger.Warn("udp return send failed",
			logging.KeyClientAddr, w.clientAddr.String(),
			logging.KeyError, err)
		return
	}
	w.server.metrics.RecordUDPOutbound()
}

// tickKeepAlive coalesces many return-path packets within one tick into
// at most one keep-alive signal (§9 "keep-alive pending flag").
func (w *worker) tickKeepAlive() {
	if !w.keepAlivePending {
		return
	}
	select {
	case w.server.keepAliveCh <- w.clientAddr.String():
		w.keepAlivePending = false
	default:
		// Channel full: leave the flag set and retry next tick.
	}
}

func (w *worker) closeSockets() {
	if w.ipv4Conn != nil {
		w.ipv4Conn.Close()
	}
	if w.ipv6Conn != nil {
		w.ipv6Conn.Close()
	}
}
