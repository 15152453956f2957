package relay

import (
	"context"
	"net"
	"strconv"
	"time"

	"dns-relay/pkg/codec"
	"dns-relay/pkg/config"
	"dns-relay/pkg/dump"
	"dns-relay/pkg/events"
	"dns-relay/pkg/forwarder"
	"dns-relay/pkg/logging"
	"dns-relay/pkg/telemetry"
)

// InboundRequest is one received datagram. Owned exclusively by the single
// worker invocation it is dispatched to; the query bytes are never mutated.
type InboundRequest struct {
	ClientAddr *net.UDPAddr
	Query      []byte
	Received   time.Time
}

// DumpConfig carries the packet-dump settings a listener was started with
type DumpConfig struct {
	Enabled bool
	Writer  *dump.Writer
}

// Worker handles one inbound packet end-to-end: log, optionally dump,
// forward, optionally dump, reply. Every step is independently
// failure-tolerant; Handle never lets an error or panic escape to the
// accept loop.
type Worker struct {
	provider  config.Provider
	forwarder *forwarder.Forwarder
	emitter   *events.Emitter
	metrics   *telemetry.Metrics
	logger    *logging.Logger
}

// NewWorker creates a request worker. Metrics may be nil.
func NewWorker(provider config.Provider, fwd *forwarder.Forwarder, emitter *events.Emitter, metrics *telemetry.Metrics, logger *logging.Logger) *Worker {
	return &Worker{
		provider:  provider,
		forwarder: fwd,
		emitter:   emitter,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle processes one request. The reply socket is the listener's bound
// socket, shared for sends by all workers; UDP sends need no locking.
func (w *Worker) Handle(req InboundRequest, replyConn *net.UDPConn, dumpCfg DumpConfig) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Request worker panic",
				"client", req.ClientAddr.String(),
				"panic", r,
			)
		}
	}()

	ctx := context.Background()
	start := req.Received
	clientIP := req.ClientAddr.IP.String()

	if w.metrics != nil {
		w.metrics.QueriesReceived.Add(ctx, 1)
		w.metrics.ActiveWorkers.Add(ctx, 1)
		defer w.metrics.ActiveWorkers.Add(ctx, -1)
	}

	queryFacts := codec.QueryFactsFrom(req.Query)
	w.emitter.QueryReceived(clientIP, queryFacts)

	w.dumpPacket(ctx, dumpCfg, dump.DirectionIn, req.Query)

	// Snapshot upstream settings once; a config reload applies to the next
	// request, never mid-retry.
	spec := forwarder.SpecFromConfig(&w.provider.Config().Upstream)
	upstream := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))

	outcome := w.forwarder.Forward(ctx, req.Query, spec)

	var reply []byte
	if outcome.OK() {
		reply = outcome.Response
		respFacts := codec.ResponseFactsFrom(reply)
		w.emitter.ResponseSent(clientIP, queryFacts, respFacts, upstream, time.Since(start))
		if w.metrics != nil {
			w.metrics.ResponsesSent.Add(ctx, 1)
		}
	} else {
		w.emitter.Error(clientIP, queryFacts, string(outcome.Reason), upstream, time.Since(start))
		reply = codec.BuildServFail(req.Query)
		if w.metrics != nil {
			w.metrics.FailureResponses.Add(ctx, 1)
		}
	}

	w.dumpPacket(ctx, dumpCfg, dump.DirectionOut, reply)

	if _, err := replyConn.WriteToUDP(reply, req.ClientAddr); err != nil {
		// Nothing more can be done for this one request
		w.logger.Warn("Failed to send reply",
			"client", req.ClientAddr.String(),
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.ReplySendErrors.Add(ctx, 1)
		}
	}

	if w.metrics != nil {
		w.metrics.QueryDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
}

// dumpPacket persists one packet when dumping is enabled. Dump failures are
// logged and never affect the bytes used downstream.
func (w *Worker) dumpPacket(ctx context.Context, dumpCfg DumpConfig, direction string, data []byte) {
	if !dumpCfg.Enabled || dumpCfg.Writer == nil {
		return
	}

	if _, err := dumpCfg.Writer.Write(direction, data); err != nil {
		w.logger.Warn("Packet dump failed",
			"direction", direction,
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.DumpFailures.Add(ctx, 1)
		}
		return
	}
	if w.metrics != nil {
		w.metrics.DumpWrites.Add(ctx, 1)
	}
}
