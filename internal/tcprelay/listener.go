// Package tcprelay implements the TCP side of the relay (spec §4.6): an
// accept loop whose per-connection handler wraps the raw socket with the
// Stream AEAD framing, reads the embedded destination address, dials out,
// and copies bytes in both directions until either side is done.
package tcprelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/netaddr"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/sockopt"
	"github.com/postalsys/muti-metroo/internal/streamaead"
)

// Config configures one relay listener.
type Config struct {
	// Address is the local address to accept connections on.
	Address string

	// DialTimeout bounds connecting to the client's requested
	// destination. Zero means no deadline.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Listener is the TCP relay's accept loop.
type Listener struct {
	cfg       Config
	kind      cipherkind.Kind
	masterKey []byte
	listener  net.Listener
	logger    *slog.Logger
	metrics   *metrics.Metrics

	connCount atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener builds a relay listener that decrypts with the given cipher
// kind and master key.
func NewListener(cfg Config, kind cipherkind.Kind, masterKey []byte) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Listener{
		cfg:       cfg,
		kind:      kind,
		masterKey: masterKey,
		logger:    logger.With(logging.KeyComponent, "tcprelay"),
		metrics:   m,
		stopCh:    make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting.
func (l *Listener) Start() error {
	lc := sockopt.ListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("tcprelay: listen on %s: %w", l.cfg.Address, err)
	}
	l.listener = ln

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("tcp relay listening", logging.KeyLocalAddr, ln.Addr().String())
	return nil
}

// Address returns the bound listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listener and waits for the accept loop and every
// connection handler to return. It does not close accepted connections,
// so it blocks until each of their sessions ends on its own.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.listener != nil {
			err = l.listener.Close()
		}
	})
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tcprelay.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		l.connCount.Add(1)
		l.metrics.RecordTCPSessionStart()
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "tcprelay.Listener.handleConnection")
	defer conn.Close()
	defer l.connCount.Add(-1)

	remoteAddr := conn.RemoteAddr().String()

	writer, _, err := streamaead.NewWriterRandomSalt(conn, l.kind, l.masterKey)
	if err != nil {
		l.logger.Warn("stream writer setup failed", logging.KeyRemoteAddr, remoteAddr, logging.KeyError, err)
		return
	}
	reader := streamaead.NewReader(conn, l.kind, l.masterKey)

	addr, err := netaddr.ReadFrom(reader)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			l.logger.Debug("address read unexpected eof", logging.KeyRemoteAddr, remoteAddr)
			return
		}
		l.logger.Debug("address read failed, entering anti-probe path",
			logging.KeyRemoteAddr, remoteAddr, logging.KeyError, err)
		l.metrics.RecordAntiProbeTrigger()
		readForever(conn, l.logger, remoteAddr)
		return
	}

	dialCtx := context.Background()
	var cancel context.CancelFunc
	if l.cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(dialCtx, l.cfg.DialTimeout)
		defer cancel()
	}

	host, port := addr.HostPort()
	target, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		l.logger.Debug("dial target failed",
			logging.KeyRemoteAddr, remoteAddr, logging.KeyTargetAddr, addr.String(), logging.KeyError, err)
		return
	}
	defer target.Close()

	c2t, t2c := relay(reader, writer, conn, target)
	l.metrics.RecordTCPSessionEnd(c2t, t2c)

	l.logger.Debug("tcp relay session closed",
		logging.KeyRemoteAddr, remoteAddr,
		logging.KeyTargetAddr, addr.String(),
		logging.KeyBytesSent, humanize.Bytes(uint64(c2t)),
		logging.KeyBytesReceived, humanize.Bytes(uint64(t2c)))
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies decrypted client bytes to target and encrypted target
// bytes back to the client, concurrently, per spec §4.6. It returns
// (bytes_client_to_target, bytes_target_to_client).
func relay(clientReader io.Reader, clientWriter io.Writer, clientConn, target net.Conn) (int64, int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	var c2t, t2c int64

	go func() {
		defer wg.Done()
		c2t, _ = io.Copy(target, clientReader)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		t2c, _ = io.Copy(clientWriter, target)
		if hc, ok := clientConn.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
	return c2t, t2c
}

// readForever implements the anti-probing policy of spec §4.7: rather
// than closing on a handshake decryption failure (which would tell an
// active prober it hit a discriminating port), it keeps draining the raw
// socket until the peer closes or the socket errors, then releases the
// connection.
func readForever(conn net.Conn, logger *slog.Logger, remoteAddr string) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("anti-probe read ended", logging.KeyRemoteAddr, remoteAddr, logging.KeyError, err)
			}
			return
		}
	}
}
