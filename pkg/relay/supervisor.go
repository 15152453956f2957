package relay

import (
	"context"
	"time"

	"dns-relay/pkg/logging"
	"dns-relay/pkg/telemetry"
)

// rebindDelay is the pause between attempts to rebind a dead socket
const rebindDelay = time.Second

// Supervisor owns a listener's lifecycle across accept-loop faults. A loop
// that dies abnormally is restarted against the same still-open socket; the
// bind is never repeated. Bind failures are surfaced to the caller and not
// retried, so the caller can pick another port or abort.
type Supervisor struct {
	listener *Listener
	logger   *logging.Logger
	metrics  *telemetry.Metrics
}

// NewSupervisor creates a supervisor for the given listener. Metrics may be nil.
func NewSupervisor(listener *Listener, logger *logging.Logger, metrics *telemetry.Metrics) *Supervisor {
	return &Supervisor{
		listener: listener,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start binds the listener and launches its supervised accept loop as an
// independent goroutine, returning immediately with the bound state. Stopping
// the listener is done by closing the returned state; the loop observes the
// closed socket and exits cleanly.
func (s *Supervisor) Start(cfg ListenerConfig) (*ListenerState, error) {
	state, err := s.listener.Bind(cfg)
	if err != nil {
		return nil, err
	}

	go s.supervise(state)
	return state, nil
}

// supervise runs the accept loop, restarting it on abnormal exits. State
// machine per loop incarnation: running, then either a clean closed-socket
// exit (terminal), faulted (a fresh incarnation starts on the existing
// socket), or socket-dead (the socket is rebound from scratch on the same
// port before the next incarnation).
func (s *Supervisor) supervise(state *ListenerState) {
	for {
		result, clean := s.runAcceptLoop(state)
		if clean && result == serveClosed {
			return
		}

		if clean && result == serveSocketDead {
			if !s.rebind(state) {
				return
			}
		} else {
			s.logger.Error("Accept loop faulted, restarting on existing socket",
				"family", state.cfg.Family,
				"port", state.port,
			)
		}
		if s.metrics != nil {
			s.metrics.ListenerRestarts.Add(context.Background(), 1)
		}
	}
}

// runAcceptLoop runs one accept-loop incarnation. A panic inside the loop is
// the faulted path, reported as clean=false.
func (s *Supervisor) runAcceptLoop(state *ListenerState) (result serveResult, clean bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Accept loop panic",
				"family", state.cfg.Family,
				"panic", r,
			)
			clean = false
		}
	}()

	return s.listener.serve(state), true
}

// rebind replaces a dead socket with a fresh bind on the same resolved port,
// retrying until it succeeds or the listener is closed. Returns false when
// the listener was closed while rebinding.
func (s *Supervisor) rebind(state *ListenerState) bool {
	for {
		if state.isClosed() {
			return false
		}

		conn, err := s.listener.openSocket(state.cfg.Family, state.port)
		if err != nil {
			s.logger.Error("Rebind failed, will retry",
				"family", state.cfg.Family,
				"port", state.port,
				"error", err,
			)
			time.Sleep(rebindDelay)
			continue
		}

		if !state.swapConn(conn) {
			return false
		}
		s.logger.Info("Socket rebound after failure",
			"family", state.cfg.Family,
			"port", state.port,
		)
		return true
	}
}
