package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed on-wire size of a DNS header (RFC 1035 §4.1.1).
const HeaderSize = 12

// Header is the fixed 12-byte preamble of every DNS message: a transaction
// ID for matching a response to its query, the QR/Opcode/flags/RCODE bits
// (see enums.go), and the four section counts.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// Marshal serializes h to its 12-byte big-endian wire form.
func (h Header) Marshal() ([]byte, error) {
	b := make([]byte, 0, HeaderSize)
	b = binary.BigEndian.AppendUint16(b, h.ID)
	b = binary.BigEndian.AppendUint16(b, h.Flags)
	b = binary.BigEndian.AppendUint16(b, h.QDCount)
	b = binary.BigEndian.AppendUint16(b, h.ANCount)
	b = binary.BigEndian.AppendUint16(b, h.NSCount)
	b = binary.BigEndian.AppendUint16(b, h.ARCount)
	return b, nil
}

// ParseHeader reads the 12-byte header at *off, advancing *off past it.
func ParseHeader(msg []byte, off *int) (Header, error) {
	if *off+HeaderSize > len(msg) {
		return Header{}, fmt.Errorf("%w: unexpected EOF while reading DNS header", ErrDNSError)
	}
	return Header{
		ID:      readUint16(msg, off),
		Flags:   readUint16(msg, off),
		QDCount: readUint16(msg, off),
		ANCount: readUint16(msg, off),
		NSCount: readUint16(msg, off),
		ARCount: readUint16(msg, off),
	}, nil
}
