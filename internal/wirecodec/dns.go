package wirecodec

import (
	"encoding/binary"
	"fmt"
)

const dnsHeaderSize = 12

// MaxUDPResponseSize is the practical cap for a forwarded UDP DNS response.
// Responses larger than this are truncated with TC set rather than
// forwarded whole or silently dropped.
const MaxUDPResponseSize = 4096

// MaxTCPMessageSize is the 16-bit length-prefix ceiling for DNS-over-TCP.
const MaxTCPMessageSize = 65535

// DNSHeader mirrors RFC 1035 §4.1.1.
type DNSHeader struct {
	ID      uint16
	QR      bool
	Opcode  uint8
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	RCode   uint8
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// ResourceRecord is a decoded answer/authority/additional record.
type ResourceRecord struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData []byte
}

// Question is a decoded query-section entry.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// Message is a fully decoded DNS message.
type Message struct {
	Header     DNSHeader
	Questions  []Question
	Answers    []ResourceRecord
	Authority  []ResourceRecord
	Additional []ResourceRecord
}

// ParseDNSMessage decodes a wire-format DNS message, following compression
// pointers. Every advance through buf is bounds-checked; the parser never
// reads past len(buf).
func ParseDNSMessage(buf []byte) (*Message, error) {
	if len(buf) < dnsHeaderSize {
		return nil, fmt.Errorf("%w: dns header too short", ErrMalformed)
	}
	flags := binary.BigEndian.Uint16(buf[2:4])
	h := DNSHeader{
		ID:      binary.BigEndian.Uint16(buf[0:2]),
		QR:      flags&0x8000 != 0,
		Opcode:  uint8((flags >> 11) & 0xF),
		AA:      flags&0x0400 != 0,
		TC:      flags&0x0200 != 0,
		RD:      flags&0x0100 != 0,
		RA:      flags&0x0080 != 0,
		RCode:   uint8(flags & 0xF),
		QDCount: binary.BigEndian.Uint16(buf[4:6]),
		ANCount: binary.BigEndian.Uint16(buf[6:8]),
		NSCount: binary.BigEndian.Uint16(buf[8:10]),
		ARCount: binary.BigEndian.Uint16(buf[10:12]),
	}

	pos := dnsHeaderSize
	msg := &Message{Header: h}

	for i := 0; i < int(h.QDCount); i++ {
		name, next, err := decodeName(buf, pos)
		if err != nil {
			return nil, err
		}
		if next+4 > len(buf) {
			return nil, fmt.Errorf("%w: question truncated", ErrMalformed)
		}
		q := Question{
			Name:  name,
			Type:  binary.BigEndian.Uint16(buf[next : next+2]),
			Class: binary.BigEndian.Uint16(buf[next+2 : next+4]),
		}
		msg.Questions = append(msg.Questions, q)
		pos = next + 4
	}

	for i := 0; i < int(h.ANCount); i++ {
		rr, next, err := decodeRR(buf, pos)
		if err != nil {
			return nil, err
		}
		msg.Answers = append(msg.Answers, rr)
		pos = next
	}
	for i := 0; i < int(h.NSCount); i++ {
		rr, next, err := decodeRR(buf, pos)
		if err != nil {
			return nil, err
		}
		msg.Authority = append(msg.Authority, rr)
		pos = next
	}
	for i := 0; i < int(h.ARCount); i++ {
		rr, next, err := decodeRR(buf, pos)
		if err != nil {
			return nil, err
		}
		msg.Additional = append(msg.Additional, rr)
		pos = next
	}

	return msg, nil
}

func decodeRR(buf []byte, pos int) (ResourceRecord, int, error) {
	name, next, err := decodeName(buf, pos)
	if err != nil {
		return ResourceRecord{}, 0, err
	}
	if next+10 > len(buf) {
		return ResourceRecord{}, 0, fmt.Errorf("%w: rr header truncated", ErrMalformed)
	}
	typ := binary.BigEndian.Uint16(buf[next : next+2])
	class := binary.BigEndian.Uint16(buf[next+2 : next+4])
	ttl := binary.BigEndian.Uint32(buf[next+4 : next+8])
	rdlen := binary.BigEndian.Uint16(buf[next+8 : next+10])
	rdStart := next + 10
	rdEnd := rdStart + int(rdlen)
	if rdEnd > len(buf) {
		return ResourceRecord{}, 0, fmt.Errorf("%w: rdata truncated", ErrMalformed)
	}
	rdata := append([]byte(nil), buf[rdStart:rdEnd]...)
	return ResourceRecord{Name: name, Type: typ, Class: class, TTL: ttl, RData: rdata}, rdEnd, nil
}

// decodeName decodes a (possibly compressed) domain name starting at pos and
// returns the decoded name plus the position immediately after the name's
// encoding in the *main* buffer stream (pointer jumps don't advance this).
func decodeName(buf []byte, pos int) (string, int, error) {
	var labels []string
	originalPos := pos
	jumped := false
	jumps := 0
	cur := pos

	for {
		if cur >= len(buf) {
			return "", 0, fmt.Errorf("%w: name runs past buffer", ErrMalformed)
		}
		b0 := buf[cur]
		if b0&0xC0 == 0xC0 {
			if cur+1 >= len(buf) {
				return "", 0, fmt.Errorf("%w: truncated pointer", ErrMalformed)
			}
			if jumps > 128 {
				return "", 0, fmt.Errorf("%w: too many compression pointers", ErrMalformed)
			}
			offset := (int(b0&0x3F) << 8) | int(buf[cur+1])
			if offset >= len(buf) {
				return "", 0, fmt.Errorf("%w: pointer out of bounds", ErrMalformed)
			}
			if !jumped {
				originalPos = cur + 2
				jumped = true
			}
			cur = offset
			jumps++
			continue
		}
		if b0&0xC0 != 0 {
			return "", 0, fmt.Errorf("%w: reserved label bits", ErrMalformed)
		}
		length := int(b0)
		if length == 0 {
			cur++
			break
		}
		if cur+1+length > len(buf) {
			return "", 0, fmt.Errorf("%w: label runs past buffer", ErrMalformed)
		}
		labels = append(labels, string(buf[cur+1:cur+1+length]))
		cur += 1 + length
	}

	if !jumped {
		originalPos = cur
	}

	name := ""
	for i, l := range labels {
		if i > 0 {
			name += "."
		}
		name += l
	}
	return name, originalPos, nil
}

// EncodeDNSMessage re-encodes a Message without compression (sufficient for
// synthesized SERVFAIL responses and round-trip tests).
func EncodeDNSMessage(m *Message) []byte {
	var out []byte
	var flags uint16
	if m.Header.QR {
		flags |= 0x8000
	}
	flags |= uint16(m.Header.Opcode&0xF) << 11
	if m.Header.AA {
		flags |= 0x0400
	}
	if m.Header.TC {
		flags |= 0x0200
	}
	if m.Header.RD {
		flags |= 0x0100
	}
	if m.Header.RA {
		flags |= 0x0080
	}
	flags |= uint16(m.Header.RCode & 0xF)

	hdr := make([]byte, dnsHeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], m.Header.ID)
	binary.BigEndian.PutUint16(hdr[2:4], flags)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(m.Questions)))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(m.Answers)))
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(m.Authority)))
	binary.BigEndian.PutUint16(hdr[10:12], uint16(len(m.Additional)))
	out = append(out, hdr...)

	for _, q := range m.Questions {
		out = append(out, encodeName(q.Name)...)
		tb := make([]byte, 4)
		binary.BigEndian.PutUint16(tb[0:2], q.Type)
		binary.BigEndian.PutUint16(tb[2:4], q.Class)
		out = append(out, tb...)
	}
	for _, set := range [][]ResourceRecord{m.Answers, m.Authority, m.Additional} {
		for _, rr := range set {
			out = append(out, encodeName(rr.Name)...)
			rrb := make([]byte, 10)
			binary.BigEndian.PutUint16(rrb[0:2], rr.Type)
			binary.BigEndian.PutUint16(rrb[2:4], rr.Class)
			binary.BigEndian.PutUint32(rrb[4:8], rr.TTL)
			binary.BigEndian.PutUint16(rrb[8:10], uint16(len(rr.RData)))
			out = append(out, rrb...)
			out = append(out, rr.RData...)
		}
	}
	return out
}

func encodeName(name string) []byte {
	if name == "" {
		return []byte{0}
	}
	var out []byte
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			label := name[start:i]
			out = append(out, byte(len(label)))
			out = append(out, label...)
			start = i + 1
		}
	}
	out = append(out, 0)
	return out
}

// NewSERVFAIL synthesizes a SERVFAIL response built only from the query
// transaction id and zeroed counts, never from the raw query bytes.
func NewSERVFAIL(queryID uint16, question Question) *Message {
	return &Message{
		Header: DNSHeader{
			ID:      queryID,
			QR:      true,
			RD:      true,
			RA:      true,
			RCode:   2, // SERVFAIL
			QDCount: 1,
		},
		Questions: []Question{question},
	}
}

// TruncateUDPResponse returns a copy of m with only the question section and
// the TC bit set, so the client retries over TCP. The UDP path applies it to
// responses larger than MaxUDPResponseSize and encodes the result.
func TruncateUDPResponse(m *Message) *Message {
	truncated := *m
	truncated.Header.TC = true
	truncated.Header.ANCount = 0
	truncated.Header.NSCount = 0
	truncated.Header.ARCount = 0
	truncated.Answers = nil
	truncated.Authority = nil
	truncated.Additional = nil
	return &truncated
}
