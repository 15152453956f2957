// Package forwarder relays raw DNS queries to the configured upstream
// resolver. Each attempt uses a fresh ephemeral UDP socket; failures are
// classified and retried up to the spec's bound before the last reason is
// surfaced to the caller.
package forwarder

import (
	"context"
	"net"
	"time"

	"dns-relay/pkg/config"
	"dns-relay/pkg/logging"
	"dns-relay/pkg/telemetry"
)

// MaxPacketSize is the largest UDP payload a DNS response can occupy
const MaxPacketSize = 65535

// UpstreamSpec is a snapshot of upstream settings taken once at the start of
// a forward sequence. A config reload takes effect on the next request, not
// mid-retry.
type UpstreamSpec struct {
	Host       string
	Port       int
	Timeout    time.Duration // per attempt
	Retries    int
	RetryDelay time.Duration
}

// SpecFromConfig snapshots the upstream settings from a config snapshot
func SpecFromConfig(cfg *config.UpstreamConfig) UpstreamSpec {
	return UpstreamSpec{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Timeout:    cfg.Timeout,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
	}
}

// FailureReason classifies why a forward attempt failed
type FailureReason string

const (
	FailureSocketOpen FailureReason = "socket_open_failed"
	FailureSend       FailureReason = "send_failed"
	FailureTimeout    FailureReason = "upstream_timeout"
	FailureReceive    FailureReason = "receive_failed"
)

// Outcome is the result of a full forward sequence: either the upstream's
// response bytes, untouched, or the last classified failure reason.
type Outcome struct {
	Response []byte
	Reason   FailureReason
}

// OK reports whether the forward sequence produced a response
func (o Outcome) OK() bool {
	return o.Reason == ""
}

// Forwarder relays queries to a single upstream resolver
type Forwarder struct {
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

// New creates a forwarder. Metrics may be nil.
func New(logger *logging.Logger, metrics *telemetry.Metrics) *Forwarder {
	return &Forwarder{
		logger:  logger,
		metrics: metrics,
	}
}

// Forward relays the exact query bytes to the upstream and returns its exact
// response bytes. The upstream address is resolved once per sequence; if
// resolution fails the forwarder falls back to loopback rather than aborting
// before any attempt.
func (f *Forwarder) Forward(ctx context.Context, query []byte, spec UpstreamSpec) Outcome {
	addr := f.resolveUpstream(spec)

	remaining := spec.Retries
	outcome := f.attempt(query, addr, spec.Timeout)

	for !outcome.OK() && remaining > 0 {
		f.logger.Warn("Upstream attempt failed, retrying",
			"upstream", addr.String(),
			"reason", string(outcome.Reason),
			"attempts_remaining", remaining,
		)
		if f.metrics != nil {
			f.metrics.UpstreamRetries.Add(ctx, 1)
		}

		select {
		case <-time.After(spec.RetryDelay):
		case <-ctx.Done():
			return outcome
		}

		remaining--
		outcome = f.attempt(query, addr, spec.Timeout)
	}

	if !outcome.OK() {
		f.logger.Error("Upstream query failed, retries exhausted",
			"upstream", addr.String(),
			"reason", string(outcome.Reason),
			"attempts", spec.Retries+1,
		)
		if f.metrics != nil {
			f.metrics.UpstreamFailures.Add(ctx, 1)
		}
	}
	return outcome
}

// resolveUpstream resolves the configured upstream host, falling back to
// loopback when the textual form is unresolvable. Attempting a likely-failing
// connection is preferred over failing before any attempt.
func (f *Forwarder) resolveUpstream(spec UpstreamSpec) *net.UDPAddr {
	ip := net.ParseIP(spec.Host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", spec.Host)
		if err != nil {
			f.logger.Warn("Failed to resolve upstream host, falling back to loopback",
				"host", spec.Host,
				"error", err,
			)
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = resolved.IP
		}
	}
	return &net.UDPAddr{IP: ip, Port: spec.Port}
}

// attempt performs one query/response exchange on a fresh socket
func (f *Forwarder) attempt(query []byte, addr *net.UDPAddr, timeout time.Duration) Outcome {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Outcome{Reason: FailureSocketOpen}
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Outcome{Reason: FailureSocketOpen}
	}

	if _, err := conn.Write(query); err != nil {
		return Outcome{Reason: FailureSend}
	}

	buf := make([]byte, MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Outcome{Reason: FailureTimeout}
		}
		return Outcome{Reason: FailureReceive}
	}

	return Outcome{Response: buf[:n:n]}
}
