package rdt

import (
	"encoding/binary"
	"fmt"
)

// packet is the decoded form of an inner (post-checksum, post-XOR) datagram.
// Header is 6 bytes: type:u8, reserved:u8, id:u32_be. Payload layout depends
// on kind, per §4.C.
type packet struct {
	kind byte
	id   uint32

	// PSH fields.
	seq         uint16
	singleTotal uint16
	totalCount  uint16
	data        []byte

	// REQ field.
	zippedSeqs []uint16

	// ACK field.
	ackType byte

	// ERR field.
	errCode uint16
}

// marshalPacket encodes p into its inner wire form (header + kind payload,
// no checksum, no XOR).
func marshalPacket(p packet) []byte {
	buf := make([]byte, headerSize)
	buf[0] = p.kind
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[2:6], p.id)

	switch p.kind {
	case pktPSH:
		head := make([]byte, 6)
		binary.BigEndian.PutUint16(head[0:2], p.seq)
		binary.BigEndian.PutUint16(head[2:4], p.singleTotal)
		binary.BigEndian.PutUint16(head[4:6], p.totalCount)
		buf = append(buf, head...)
		buf = append(buf, p.data...)
	case pktREQ:
		for _, v := range p.zippedSeqs {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], v)
			buf = append(buf, b[:]...)
		}
	case pktFIN:
		// empty payload
	case pktACK:
		buf = append(buf, p.ackType)
	case pktERR:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], p.errCode)
		buf = append(buf, b[:]...)
	}
	return buf
}

// unmarshalPacket decodes an inner wire buffer into a packet. It returns an
// error for a short header or an unparseable payload; an unrecognised kind
// is reported via ok=false so the caller can count it as a WireDrop rather
// than an error.
func unmarshalPacket(buf []byte) (p packet, ok bool, err error) {
	if len(buf) < headerSize {
		return packet{}, false, fmt.Errorf("rdt: short packet (%d bytes)", len(buf))
	}
	p.kind = buf[0]
	p.id = binary.BigEndian.Uint32(buf[2:6])
	rest := buf[headerSize:]

	switch p.kind {
	case pktPSH:
		if len(rest) < 6 {
			return packet{}, false, fmt.Errorf("rdt: short PSH payload (%d bytes)", len(rest))
		}
		p.seq = binary.BigEndian.Uint16(rest[0:2])
		p.singleTotal = binary.BigEndian.Uint16(rest[2:4])
		p.totalCount = binary.BigEndian.Uint16(rest[4:6])
		p.data = append([]byte(nil), rest[6:]...)
	case pktREQ:
		if len(rest)%2 != 0 {
			return packet{}, false, fmt.Errorf("rdt: malformed REQ payload (%d bytes)", len(rest))
		}
		seqs := make([]uint16, 0, len(rest)/2)
		for i := 0; i+1 < len(rest); i += 2 {
			seqs = append(seqs, binary.BigEndian.Uint16(rest[i:i+2]))
		}
		p.zippedSeqs = seqs
	case pktFIN:
		// no payload to parse
	case pktACK:
		if len(rest) < 1 {
			return packet{}, false, fmt.Errorf("rdt: short ACK payload")
		}
		p.ackType = rest[0]
	case pktERR:
		if len(rest) < 2 {
			return packet{}, false, fmt.Errorf("rdt: short ERR payload")
		}
		p.errCode = binary.BigEndian.Uint16(rest[0:2])
	default:
		return packet{}, false, nil
	}
	return p, true, nil
}

// encodeDatagram builds the full on-wire UDP payload for p: checksum prefix,
// then XOR obfuscation, per §6 "Wire format".
func encodeDatagram(p packet) []byte {
	inner := marshalPacket(p)
	return xorObfuscate(generateChecksum(inner))
}

// decodeDatagram reverses encodeDatagram. ok is false (with no error) when
// the checksum fails or the kind is unrecognised — both are silent
// WireDrops, never user-visible errors.
func decodeDatagram(buf []byte) (p packet, ok bool, err error) {
	plain := xorObfuscate(append([]byte(nil), buf...))
	if !verifyChecksum(plain) {
		return packet{}, false, nil
	}
	return unmarshalPacket(plain[2:])
}
