// Package rdpeudp implements the datagram codec of the RDP UDP transport
// (MS-RDPEUDP): the FEC header every datagram starts with, and the SYN, ACK
// vector, and source payload regions that follow it depending on the flag
// bits. Multi-byte fields are network byte order.
package rdpeudp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	FlagSyn      uint16 = 0x0001
	FlagFin      uint16 = 0x0002
	FlagAck      uint16 = 0x0004
	FlagData     uint16 = 0x0008
	FlagFEC      uint16 = 0x0010
	FlagCongest  uint16 = 0x0020
	FlagCWR      uint16 = 0x0040
	FlagSynLossy uint16 = 0x0200

	// InitialAck is the snSourceAck value of a datagram that acknowledges
	// nothing yet (the SYN of a fresh connection).
	InitialAck uint32 = 0xFFFFFFFF

	DefaultReceiveWindow uint16 = 64
	DefaultMTU           uint16 = 1232

	headerLen       = 8 // source ack(4) + receive window(2) + flags(2)
	synPayloadLen   = 8 // initial seq(4) + upstream mtu(2) + downstream mtu(2)
	sourceHeaderLen = 8 // coherency(4) + source start(4)

	// ackStateReceived is the 2-bit run state marking packets as received
	// in an ACK vector element.
	ackStateReceived = 0x0

	maxAckRunLength = 0x3f
)

var ErrTruncated = errors.New("rdpeudp: truncated datagram")

// Header is the RDPUDP_FEC_HEADER carried by every datagram.
type Header struct {
	// SourceAck is the highest source sequence number received from the
	// peer, InitialAck when nothing has been received yet.
	SourceAck     uint32
	ReceiveWindow uint16
	Flags         uint16
}

// Has reports whether flag is set.
func (h Header) Has(flag uint16) bool { return h.Flags&flag != 0 }

// Syn is the RDPUDP_SYNDATA_PAYLOAD exchanged during the handshake.
type Syn struct {
	InitialSeq    uint32
	UpstreamMTU   uint16
	DownstreamMTU uint16
}

// AckVector holds the raw run-length elements of an
// RDPUDP_ACK_VECTOR_HEADER. Each element packs a 2-bit run state and a
// 6-bit run length, counting down from the header's SourceAck.
type AckVector struct {
	Elements []byte
}

// SingleRun builds an ACK vector with one received-state run of length n
// (capped at the element maximum), the shape a cumulative acknowledger
// emits.
func SingleRun(n int) *AckVector {
	if n > maxAckRunLength {
		n = maxAckRunLength
	}
	if n < 0 {
		n = 0
	}
	return &AckVector{Elements: []byte{ackStateReceived<<6 | byte(n)}}
}

// Source is the RDPUDP_SOURCE_PAYLOAD_HEADER preceding the payload of a
// data datagram.
type Source struct {
	CoherencyNumber uint32
	Seq             uint32
}

// Datagram is one decoded RDPEUDP datagram. The optional regions are
// non-nil exactly when the corresponding header flag is set.
type Datagram struct {
	Header  Header
	Syn     *Syn
	Ack     *AckVector
	Source  *Source
	Payload []byte
}

// Encode serializes the datagram, setting the Syn/Ack/Data flags from the
// regions that are present.
func (d *Datagram) Encode() []byte {
	flags := d.Header.Flags
	if d.Syn != nil {
		flags |= FlagSyn
	}
	if d.Ack != nil {
		flags |= FlagAck
	}
	if d.Source != nil {
		flags |= FlagData
	}

	buf := make([]byte, headerLen, headerLen+synPayloadLen+sourceHeaderLen+len(d.Payload))
	binary.BigEndian.PutUint32(buf[0:4], d.Header.SourceAck)
	binary.BigEndian.PutUint16(buf[4:6], d.Header.ReceiveWindow)
	binary.BigEndian.PutUint16(buf[6:8], flags)

	if d.Syn != nil {
		syn := make([]byte, synPayloadLen)
		binary.BigEndian.PutUint32(syn[0:4], d.Syn.InitialSeq)
		binary.BigEndian.PutUint16(syn[4:6], d.Syn.UpstreamMTU)
		binary.BigEndian.PutUint16(syn[6:8], d.Syn.DownstreamMTU)
		buf = append(buf, syn...)
	}

	if d.Ack != nil {
		buf = append(buf, encodeAckVector(d.Ack)...)
	}

	if d.Source != nil {
		src := make([]byte, sourceHeaderLen)
		binary.BigEndian.PutUint32(src[0:4], d.Source.CoherencyNumber)
		binary.BigEndian.PutUint32(src[4:8], d.Source.Seq)
		buf = append(buf, src...)
		buf = append(buf, d.Payload...)
	}

	return buf
}

// encodeAckVector serializes the vector size, its elements, and the
// padding aligning the region to a 4-byte boundary.
func encodeAckVector(v *AckVector) []byte {
	size := 2 + len(v.Elements)
	padded := (size + 3) &^ 3

	buf := make([]byte, padded)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(v.Elements)))
	copy(buf[2:], v.Elements)
	return buf
}

// Decode parses one datagram.
func Decode(data []byte) (*Datagram, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, headerLen, len(data))
	}

	d := &Datagram{
		Header: Header{
			SourceAck:     binary.BigEndian.Uint32(data[0:4]),
			ReceiveWindow: binary.BigEndian.Uint16(data[4:6]),
			Flags:         binary.BigEndian.Uint16(data[6:8]),
		},
	}
	rest := data[headerLen:]

	if d.Header.Has(FlagSyn) {
		if len(rest) < synPayloadLen {
			return nil, fmt.Errorf("%w: SYN payload needs %d bytes, got %d", ErrTruncated, synPayloadLen, len(rest))
		}
		d.Syn = &Syn{
			InitialSeq:    binary.BigEndian.Uint32(rest[0:4]),
			UpstreamMTU:   binary.BigEndian.Uint16(rest[4:6]),
			DownstreamMTU: binary.BigEndian.Uint16(rest[6:8]),
		}
		rest = rest[synPayloadLen:]
	}

	if d.Header.Has(FlagAck) && !d.Header.Has(FlagSyn) {
		// A SYN+ACK carries no vector: the SYN payload stands in for it
		// during the handshake.
		vector, consumed, err := decodeAckVector(rest)
		if err != nil {
			return nil, err
		}
		d.Ack = vector
		rest = rest[consumed:]
	}

	if d.Header.Has(FlagData) {
		if len(rest) < sourceHeaderLen {
			return nil, fmt.Errorf("%w: source header needs %d bytes, got %d", ErrTruncated, sourceHeaderLen, len(rest))
		}
		d.Source = &Source{
			CoherencyNumber: binary.BigEndian.Uint32(rest[0:4]),
			Seq:             binary.BigEndian.Uint32(rest[4:8]),
		}
		d.Payload = rest[sourceHeaderLen:]
	}

	return d, nil
}

func decodeAckVector(data []byte) (*AckVector, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: ACK vector size needs 2 bytes, got %d", ErrTruncated, len(data))
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	padded := (2 + count + 3) &^ 3
	if len(data) < padded {
		return nil, 0, fmt.Errorf("%w: ACK vector needs %d bytes, got %d", ErrTruncated, padded, len(data))
	}

	elements := make([]byte, count)
	copy(elements, data[2:2+count])
	return &AckVector{Elements: elements}, padded, nil
}
