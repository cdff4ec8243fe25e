package wire

import (
	"encoding/binary"

	"github.com/ridgedns/fetchcore/internal/helpers"
)

// EDNS0 constants (RFC 6891). fctx_query (spec §4.2) advertises the
// configured EDNS0 payload size, falling back to EDNSDefaultUDPPayloadSize
// when none is set, unless the peer is known EDNS0-hostile.
const (
	DefaultUDPPayloadSize     = 512
	EDNSDefaultUDPPayloadSize = 2048
	EDNSMaxUDPPayloadSize     = 4096
	EDNSMinUDPPayloadSize     = 512
)

// EDNSOption is a single option in an OPT record's RDATA.
type EDNSOption struct {
	Code uint16
	Data []byte
}

const ednsOptionHeaderLen = 4

// Marshal serializes an EDNS option to wire format.
func (o EDNSOption) Marshal() []byte {
	b := make([]byte, 4+len(o.Data))
	binary.BigEndian.PutUint16(b[0:2], o.Code)
	binary.BigEndian.PutUint16(b[2:4], helpers.ClampIntToUint16(len(o.Data)))
	copy(b[4:], o.Data)
	return b
}

// ParseEDNSOptions extracts options from raw OPT RDATA, stopping early on
// a truncated trailing option.
func ParseEDNSOptions(rdata []byte) []EDNSOption {
	opts := make([]EDNSOption, 0, 2)
	for i := 0; i < len(rdata); {
		if len(rdata)-i < ednsOptionHeaderLen {
			break
		}
		code := binary.BigEndian.Uint16(rdata[i : i+2])
		ln := int(binary.BigEndian.Uint16(rdata[i+2 : i+4]))
		i += ednsOptionHeaderLen
		if i+ln > len(rdata) {
			break
		}
		data := make([]byte, ln)
		copy(data, rdata[i:i+ln])
		opts = append(opts, EDNSOption{Code: code, Data: data})
		i += ln
	}
	return opts
}

// MarshalEDNSOptions serializes a list of options to OPT RDATA.
func MarshalEDNSOptions(opts []EDNSOption) []byte {
	if len(opts) == 0 {
		return nil
	}
	size := 0
	for _, o := range opts {
		size += ednsOptionHeaderLen + len(o.Data)
	}
	out := make([]byte, 0, size)
	for _, o := range opts {
		out = append(out, o.Marshal()...)
	}
	return out
}

// OPTRecord is the EDNS0 pseudo-record (RFC 6891 §6.1.2).
//
// Its TTL field packs extended RCODE (bits 31-24), version (bits 23-16),
// the DO flag (bit 15), and reserved bits (14-0).
type OPTRecord struct {
	UDPPayloadSize uint16
	ExtendedRCode  uint8
	Version        uint8
	DNSSECOk       bool
	Options        []EDNSOption
}

// CreateOPT builds an OPT record advertising the given UDP payload size.
func CreateOPT(udpPayloadSize int) OPTRecord {
	sz := helpers.ClampInt(udpPayloadSize, EDNSMinUDPPayloadSize, 65535)
	return OPTRecord{UDPPayloadSize: helpers.ClampIntToUint16(sz)}
}

func packOPTTTL(extRCode, version uint8, dnssecOk bool) uint32 {
	ttl := uint32(extRCode)<<24 | uint32(version)<<16
	if dnssecOk {
		ttl |= 1 << 15
	}
	return ttl
}

// ExtractOPT returns the OPT record found in additionals, or nil.
func ExtractOPT(additionals []Record) *OPTRecord {
	for _, r := range additionals {
		if RecordType(r.Type) != TypeOPT {
			continue
		}
		raw, ok := r.Data.([]byte)
		if !ok {
			continue
		}
		o := OPTRecord{
			UDPPayloadSize: r.Class,
			ExtendedRCode:  helpers.ClampUint32ToUint8((r.TTL >> 24) & 0xFF),
			Version:        helpers.ClampUint32ToUint8((r.TTL >> 16) & 0xFF),
			DNSSECOk:       (r.TTL>>15)&0x1 == 1,
			Options:        ParseEDNSOptions(raw),
		}
		return &o
	}
	return nil
}

// ExtendedRCodeFromOPT combines a header RCODE with an OPT extended RCODE
// into the full 12-bit RCODE (RFC 6891 §6.1.3).
func ExtendedRCodeFromOPT(headerRCode RCode, opt *OPTRecord) int {
	if opt == nil {
		return int(headerRCode)
	}
	return int(opt.ExtendedRCode)<<4 | int(headerRCode)
}
