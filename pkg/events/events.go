// Package events emits one structured record per request lifecycle event and
// optionally feeds the same facts into persistent query-log storage.
package events

import (
	"strings"
	"time"

	"dns-relay/pkg/codec"
	"dns-relay/pkg/logging"
	"dns-relay/pkg/storage"
)

// Emitter produces the relay's structured log events. The query logger is
// optional; when nil, events are log-only.
type Emitter struct {
	logger      *logging.Logger
	queryLogger *QueryLogger
}

// NewEmitter creates an event emitter. queryLogger may be nil.
func NewEmitter(logger *logging.Logger, queryLogger *QueryLogger) *Emitter {
	return &Emitter{
		logger:      logger,
		queryLogger: queryLogger,
	}
}

// QueryReceived records an inbound query
func (e *Emitter) QueryReceived(clientIP string, facts codec.QueryFacts) {
	e.logger.Info("dns_query_received",
		"client_ip", clientIP,
		"query_name", facts.Name,
		"query_type", facts.Type,
		"query_class", facts.Class,
	)
}

// ResponseSent records a successfully relayed response
func (e *Emitter) ResponseSent(clientIP string, query codec.QueryFacts, resp codec.ResponseFacts, upstream string, elapsed time.Duration) {
	e.logger.Info("dns_response_sent",
		"client_ip", clientIP,
		"query_name", query.Name,
		"response_code", resp.Rcode,
		"answer_count", resp.AnswerCount,
		"response_data", strings.Join(resp.Answers, ","),
		"processing_time_ms", float64(elapsed.Microseconds())/1000.0,
	)

	if e.queryLogger != nil {
		e.queryLogger.LogAsync(&storage.QueryLog{
			Timestamp:      time.Now(),
			ClientIP:       clientIP,
			QueryName:      query.Name,
			QueryType:      query.Type,
			QueryClass:     query.Class,
			ResponseCode:   resp.Rcode,
			Upstream:       upstream,
			AnswerCount:    resp.AnswerCount,
			ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		})
	}
}

// Error records a request that ended in a synthesized failure response
func (e *Emitter) Error(clientIP string, query codec.QueryFacts, reason string, upstream string, elapsed time.Duration) {
	e.logger.Error("dns_error",
		"client_ip", clientIP,
		"query_name", query.Name,
		"error_reason", reason,
	)

	if e.queryLogger != nil {
		e.queryLogger.LogAsync(&storage.QueryLog{
			Timestamp:      time.Now(),
			ClientIP:       clientIP,
			QueryName:      query.Name,
			QueryType:      query.Type,
			QueryClass:     query.Class,
			ResponseCode:   "SERVFAIL",
			ErrorReason:    reason,
			Upstream:       upstream,
			ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0,
			Failed:         true,
		})
	}
}
