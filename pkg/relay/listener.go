// Package relay implements the concurrent request pipeline: supervised UDP
// listeners that accept raw DNS queries and fire-and-forget request workers
// that relay them byte-for-byte through the upstream forwarder.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"dns-relay/pkg/config"
	"dns-relay/pkg/forwarder"
	"dns-relay/pkg/logging"
)

// receiveBackoff is the pause after a transient receive error, so a
// persistent error cannot busy-spin the accept loop.
const receiveBackoff = 100 * time.Millisecond

// maxConsecutiveReceiveErrors is the point at which the socket is considered
// dead rather than transiently failing, and gets rebound from scratch.
const maxConsecutiveReceiveErrors = 10

// serveResult says how an accept loop incarnation ended
type serveResult int

const (
	serveClosed serveResult = iota // deliberate shutdown
	serveSocketDead                // persistent receive errors, socket unusable
)

// ListenerConfig describes one listener. Immutable after bind.
type ListenerConfig struct {
	Family string // config.FamilyIPv4 or config.FamilyIPv6
	Port   int    // 0 = ephemeral
	Dump   DumpConfig
}

// ListenerState holds the bound socket and resolved port for one listener.
// The socket is replaced in place when the supervisor rebinds a dead one, so
// access goes through the mutex.
type ListenerState struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
	port   int
	cfg    ListenerConfig
}

// Port returns the actual bound port (resolved at bind time, needed when the
// configured port was 0)
func (s *ListenerState) Port() int {
	return s.port
}

// Conn returns the current bound socket
func (s *ListenerState) Conn() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Close closes the socket. Idempotent; the accept loop observes the closed
// socket and exits cleanly.
func (s *ListenerState) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// isClosed reports whether Close has been called
func (s *ListenerState) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// swapConn replaces a dead socket with a freshly bound one. Returns false when
// the listener was closed in the meantime, in which case the new socket is
// closed instead of installed.
func (s *ListenerState) swapConn(conn *net.UDPConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	_ = s.conn.Close()
	s.conn = conn
	return true
}

// Listener owns one bound UDP socket for one address family
type Listener struct {
	worker *Worker
	logger *logging.Logger
}

// NewListener creates a listener that dispatches packets to the given worker
func NewListener(worker *Worker, logger *logging.Logger) *Listener {
	return &Listener{
		worker: worker,
		logger: logger,
	}
}

// Bind opens the UDP socket for the configured family and port with address
// reuse enabled and a receive buffer sized to the maximum UDP payload. Bind
// errors are surfaced to the caller and never retried here.
func (l *Listener) Bind(cfg ListenerConfig) (*ListenerState, error) {
	conn, err := l.openSocket(cfg.Family, cfg.Port)
	if err != nil {
		return nil, err
	}

	state := &ListenerState{
		conn: conn,
		port: conn.LocalAddr().(*net.UDPAddr).Port,
		cfg:  cfg,
	}

	l.logger.Info("Listener bound",
		"family", cfg.Family,
		"port", state.port,
	)
	return state, nil
}

// openSocket binds one UDP socket for the given family and port
func (l *Listener) openSocket(family string, port int) (*net.UDPConn, error) {
	network, ip, err := familyNetwork(family)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if ctlErr := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			}); ctlErr != nil {
				return ctlErr
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s port %d: %w", family, port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	if err := conn.SetReadBuffer(forwarder.MaxPacketSize); err != nil {
		l.logger.Warn("Failed to size receive buffer", "error", err)
	}
	return conn, nil
}

// serve runs the accept loop until the socket is closed or declared dead.
// Each received datagram is handed to a new worker goroutine; the loop never
// waits for worker completion. Transient receive errors back off and retry; a
// closed socket is the clean shutdown signal; an unbroken run of receive
// errors marks the socket dead so the supervisor can rebind it.
func (l *Listener) serve(state *ListenerState) serveResult {
	buf := make([]byte, forwarder.MaxPacketSize)
	consecutiveErrors := 0

	for {
		conn := state.Conn()
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) && state.isClosed() {
				l.logger.Info("Listener socket closed, accept loop exiting",
					"family", state.cfg.Family,
					"port", state.port,
				)
				return serveClosed
			}

			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveReceiveErrors {
				l.logger.Error("Socket unusable, giving up on it",
					"family", state.cfg.Family,
					"port", state.port,
					"consecutive_errors", consecutiveErrors,
					"error", err,
				)
				return serveSocketDead
			}
			l.logger.Warn("Receive error, backing off",
				"family", state.cfg.Family,
				"error", err,
			)
			time.Sleep(receiveBackoff)
			continue
		}
		consecutiveErrors = 0

		// The worker owns its copy; the shared read buffer is reused
		// immediately by the next iteration.
		query := make([]byte, n)
		copy(query, buf[:n])

		req := InboundRequest{
			ClientAddr: clientAddr,
			Query:      query,
			Received:   time.Now(),
		}
		go l.worker.Handle(req, conn, state.cfg.Dump)
	}
}

// familyNetwork maps an address family to its UDP network and wildcard host
func familyNetwork(family string) (network, host string, err error) {
	switch family {
	case config.FamilyIPv4:
		return "udp4", "0.0.0.0", nil
	case config.FamilyIPv6:
		return "udp6", "::", nil
	default:
		return "", "", fmt.Errorf("unknown address family: %s", family)
	}
}
