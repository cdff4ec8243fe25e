package wire

import (
	"errors"
	"fmt"
)

// Limits on incoming messages, whether from an untrusted client (for a
// server built on top of this engine) or from a remote authoritative
// server replying to one of our queries.
const (
	MaxIncomingDNSMessageSize = 4096
	MaxQuestions              = 4
	MaxRRPerSection           = 200
	MaxTotalRR                = 400
)

// ParseResponseBounded parses a response to one of our own queries with
// resource-exhaustion bounds. It does not validate QR/opcode/id matching;
// that is the dispatcher's and fctx's job (spec §6: "Responses with QR=0,
// wrong id, or from an unexpected peer are dropped by the dispatcher before
// reaching this layer").
func ParseResponseBounded(msg []byte) (Packet, error) {
	if len(msg) > MaxIncomingDNSMessageSize {
		return Packet{}, fmt.Errorf("%w: dns message too large", ErrDNSError)
	}
	p, err := ParsePacket(msg)
	if err != nil {
		return Packet{}, err
	}
	if err := validateSectionCounts(p.Header); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrDNSError, err)
	}
	return p, nil
}

func validateSectionCounts(h Header) error {
	qd, an, ns, ar := int(h.QDCount), int(h.ANCount), int(h.NSCount), int(h.ARCount)
	if qd > MaxQuestions {
		return errors.New("too many questions")
	}
	if an > MaxRRPerSection || ns > MaxRRPerSection || ar > MaxRRPerSection {
		return errors.New("too many resource records")
	}
	if an+ns+ar > MaxTotalRR {
		return errors.New("too many total resource records")
	}
	return nil
}

// BuildQuery constructs a question-only query packet for (name, qtype,
// qclass), optionally setting RD and attaching an EDNS0 OPT record.
func BuildQuery(id uint16, name string, qtype, qclass uint16, recursionDesired bool, opt *OPTRecord) Packet {
	flags := uint16(0)
	if recursionDesired {
		flags |= RDFlag
	}
	p := Packet{
		Header:    Header{ID: id, Flags: flags},
		Questions: []Question{{Name: NormalizeName(name), Type: qtype, Class: qclass}},
	}
	if opt != nil {
		p.Additionals = append(p.Additionals, optToRecord(*opt))
	}
	return p
}

func optToRecord(o OPTRecord) Record {
	ttl := packOPTTTL(o.ExtendedRCode, o.Version, o.DNSSECOk)
	rdata := MarshalEDNSOptions(o.Options)
	return Record{Name: "", Type: uint16(TypeOPT), Class: o.UDPPayloadSize, TTL: ttl, Data: rdata}
}

// MessageID extracts the transaction ID from a raw wire-format message.
func MessageID(msg []byte) (uint16, bool) {
	if len(msg) < 2 {
		return 0, false
	}
	return uint16(msg[0])<<8 | uint16(msg[1]), true
}

