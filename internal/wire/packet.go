package wire

// Packet is a complete DNS message (RFC 1035 §4): a header and four
// sections (Questions, Answers, Authorities, Additionals).
type Packet struct {
	Header      Header
	Questions   []Question
	Answers     []Record
	Authorities []Record
	Additionals []Record
}

// Marshal serializes the packet to wire format without name compression.
func (p Packet) Marshal() ([]byte, error) {
	h := Header{
		ID:      p.Header.ID,
		Flags:   p.Header.Flags,
		QDCount: uint16(len(p.Questions)),
		ANCount: uint16(len(p.Answers)),
		NSCount: uint16(len(p.Authorities)),
		ARCount: uint16(len(p.Additionals)),
	}

	hb, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	estimatedSize := HeaderSize + len(p.Questions)*50 + (len(p.Answers)+len(p.Authorities)+len(p.Additionals))*100
	out := make([]byte, 0, estimatedSize)
	out = append(out, hb...)
	for _, q := range p.Questions {
		qb, err := q.Marshal()
		if err != nil {
			return nil, err
		}
		out = append(out, qb...)
	}
	for _, section := range [][]Record{p.Answers, p.Authorities, p.Additionals} {
		for _, rr := range section {
			b, err := rr.Marshal()
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
	}
	return out, nil
}

// ParsePacket parses a wire-format DNS message without resource bounds
// checking. Callers accepting untrusted input should use ParseResponseBounded.
func ParsePacket(msg []byte) (Packet, error) {
	off := 0
	h, err := ParseHeader(msg, &off)
	if err != nil {
		return Packet{}, err
	}

	p := Packet{Header: h}

	limitCount := func(count uint16, limit int) int {
		if int(count) > limit {
			return limit
		}
		return int(count)
	}

	p.Questions = make([]Question, 0, limitCount(h.QDCount, MaxQuestions))
	for range h.QDCount {
		q, err := ParseQuestion(msg, &off)
		if err != nil {
			return Packet{}, err
		}
		p.Questions = append(p.Questions, q)
	}
	p.Answers, err = parseRecords(msg, &off, h.ANCount)
	if err != nil {
		return Packet{}, err
	}
	p.Authorities, err = parseRecords(msg, &off, h.NSCount)
	if err != nil {
		return Packet{}, err
	}
	p.Additionals, err = parseRecords(msg, &off, h.ARCount)
	if err != nil {
		return Packet{}, err
	}
	return p, nil
}

func parseRecords(msg []byte, off *int, count uint16) ([]Record, error) {
	limit := MaxRRPerSection
	if int(count) > limit {
		count = uint16(limit)
	}
	out := make([]Record, 0, count)
	for range count {
		rr, err := ParseRecord(msg, off)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, nil
}

// Question0 returns the packet's sole question, or the zero value and false
// if there isn't exactly one (the fetch engine only ever issues and accepts
// single-question messages).
func (p Packet) Question0() (Question, bool) {
	if len(p.Questions) != 1 {
		return Question{}, false
	}
	return p.Questions[0], true
}
