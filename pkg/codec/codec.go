// Package codec adapts the wire-format DNS library for the relay's three
// needs: query facts for logging, response facts for logging, and synthesis
// of a SERVFAIL reply. The relay never interprets packets beyond this; the
// bytes it forwards are passed through untouched.
package codec

import (
	"encoding/binary"
	"math/rand"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Sentinel values used when a packet cannot be parsed. Logging degrades to
// these instead of blocking or failing the request.
const (
	SentinelName  = "parse_error"
	SentinelType  = "UNKNOWN"
	SentinelClass = "UNKNOWN"
	SentinelRcode = "UNKNOWN"
)

// QueryFacts is a best-effort structured view of a query, for logging only
type QueryFacts struct {
	Name    string
	Type    string
	Class   string
	ID      uint16
	ParseOK bool
}

// ResponseFacts is a best-effort structured view of a response, for logging only
type ResponseFacts struct {
	Rcode       string
	AnswerCount int
	Answers     []string
	ParseOK     bool
}

// QueryFactsFrom extracts name/type/class from raw query bytes. Malformed
// input yields sentinel facts, never an error.
func QueryFactsFrom(raw []byte) QueryFacts {
	facts := QueryFacts{
		Name:  SentinelName,
		Type:  SentinelType,
		Class: SentinelClass,
	}

	var msg dns.Msg
	if err := msg.Unpack(raw); err != nil {
		return facts
	}

	facts.ParseOK = true
	facts.ID = msg.Id
	if len(msg.Question) == 0 {
		return facts
	}

	q := msg.Question[0]
	facts.Name = strings.TrimSuffix(q.Name, ".")
	facts.Type = typeLabel(q.Qtype)
	facts.Class = classLabel(q.Qclass)
	return facts
}

// ResponseFactsFrom extracts rcode and answer data from raw response bytes.
// Malformed input yields sentinel facts, never an error.
func ResponseFactsFrom(raw []byte) ResponseFacts {
	facts := ResponseFacts{
		Rcode: SentinelRcode,
	}

	var msg dns.Msg
	if err := msg.Unpack(raw); err != nil {
		return facts
	}

	facts.ParseOK = true
	facts.Rcode = rcodeLabel(msg.Rcode)
	facts.AnswerCount = len(msg.Answer)
	for _, rr := range msg.Answer {
		facts.Answers = append(facts.Answers, answerData(rr))
	}
	return facts
}

// BuildServFail synthesizes a server-failure response for the given query
// bytes. When the query parses, the reply echoes its transaction ID and
// question section with all other sections empty. When it does not, a minimal
// header-only reply is built; the transaction ID is taken from the first two
// raw bytes if present (the ID field sits at a fixed offset even in otherwise
// unparseable packets) and generated randomly only for sub-2-byte input.
// Never fails.
func BuildServFail(query []byte) []byte {
	var req dns.Msg
	if err := req.Unpack(query); err == nil {
		reply := new(dns.Msg)
		reply.SetRcode(&req, dns.RcodeServerFailure)
		if out, packErr := reply.Pack(); packErr == nil {
			return out
		}
	}
	return minimalServFail(query)
}

// minimalServFail builds a header-only SERVFAIL with no question section
func minimalServFail(query []byte) []byte {
	var id uint16
	if len(query) >= 2 {
		id = binary.BigEndian.Uint16(query[:2])
	} else {
		id = uint16(rand.Intn(1 << 16))
	}

	reply := new(dns.Msg)
	reply.Id = id
	reply.Response = true
	reply.Rcode = dns.RcodeServerFailure

	out, err := reply.Pack()
	if err != nil {
		// A header-only message always packs; keep a hand-rolled header as
		// the terminal fallback so the contract of never failing holds.
		out = make([]byte, 12)
		binary.BigEndian.PutUint16(out[0:2], id)
		out[2] = 0x80 // QR
		out[3] = byte(dns.RcodeServerFailure)
	}
	return out
}

// answerData renders the rdata portion of a record for logging
func answerData(rr dns.RR) string {
	s := rr.String()
	// Presentation format is "name\tttl\tclass\ttype\trdata"; keep the rdata.
	if i := strings.LastIndex(s, "\t"); i >= 0 && i+1 < len(s) {
		return s[i+1:]
	}
	return s
}

func typeLabel(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(t))
}

func classLabel(c uint16) string {
	if s, ok := dns.ClassToString[c]; ok {
		return s
	}
	return "CLASS" + strconv.Itoa(int(c))
}

func rcodeLabel(rc int) string {
	if s, ok := dns.RcodeToString[rc]; ok {
		return s
	}
	return "RCODE" + strconv.Itoa(rc)
}
