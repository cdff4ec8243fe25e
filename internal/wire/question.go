package wire

import (
	"encoding/binary"
	"fmt"
)

// Question is one entry of a message's question section (RFC 1035 §4.1.2):
// the name being asked about plus the record type and class wanted.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// Marshal serializes q as an encoded name followed by its type and class.
func (q Question) Marshal() ([]byte, error) {
	name, err := EncodeName(q.Name)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(name)+4)
	b = append(b, name...)
	b = binary.BigEndian.AppendUint16(b, q.Type)
	b = binary.BigEndian.AppendUint16(b, q.Class)
	return b, nil
}

// ParseQuestion reads a question at *off, advancing *off past it. The name
// is normalized (lowercased, trailing dot stripped) so every downstream
// comparison can use simple string equality.
func ParseQuestion(msg []byte, off *int) (Question, error) {
	name, err := DecodeName(msg, off)
	if err != nil {
		return Question{}, err
	}
	if *off+4 > len(msg) {
		return Question{}, fmt.Errorf("%w: unexpected EOF while reading DNS question", ErrDNSError)
	}
	return Question{
		Name:  NormalizeName(name),
		Type:  readUint16(msg, off),
		Class: readUint16(msg, off),
	}, nil
}
