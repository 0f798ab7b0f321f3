package rdt

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPacketRoundTripPSH(t *testing.T) {
	p := packet{
		kind:        pktPSH,
		id:          0xDEADBEEF,
		seq:         42,
		singleTotal: 92,
		totalCount:  1000,
		data:        []byte("hello fragment"),
	}
	buf := marshalPacket(p)
	got, ok, err := unmarshalPacket(buf)
	if err != nil || !ok {
		t.Fatalf("unmarshalPacket error=%v ok=%v", err, ok)
	}
	if got.kind != p.kind || got.id != p.id || got.seq != p.seq ||
		got.singleTotal != p.singleTotal || got.totalCount != p.totalCount ||
		!bytes.Equal(got.data, p.data) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPacketRoundTripREQ(t *testing.T) {
	p := packet{kind: pktREQ, id: 7, zippedSeqs: []uint16{0x10, 0x20, 0x8030, 0x8033}}
	buf := marshalPacket(p)
	got, ok, err := unmarshalPacket(buf)
	if err != nil || !ok {
		t.Fatalf("unmarshalPacket error=%v ok=%v", err, ok)
	}
	if !reflect.DeepEqual(got.zippedSeqs, p.zippedSeqs) {
		t.Errorf("zippedSeqs = %v, want %v", got.zippedSeqs, p.zippedSeqs)
	}
}

func TestPacketRoundTripFIN(t *testing.T) {
	p := packet{kind: pktFIN, id: 99}
	buf := marshalPacket(p)
	got, ok, err := unmarshalPacket(buf)
	if err != nil || !ok {
		t.Fatalf("unmarshalPacket error=%v ok=%v", err, ok)
	}
	if got.kind != pktFIN || got.id != 99 {
		t.Errorf("got %+v", got)
	}
}

func TestPacketRoundTripACK(t *testing.T) {
	p := packet{kind: pktACK, id: 5, ackType: pktFIN}
	buf := marshalPacket(p)
	got, ok, err := unmarshalPacket(buf)
	if err != nil || !ok {
		t.Fatalf("unmarshalPacket error=%v ok=%v", err, ok)
	}
	if got.ackType != pktFIN {
		t.Errorf("ackType = %v, want %v", got.ackType, pktFIN)
	}
}

func TestPacketRoundTripERR(t *testing.T) {
	p := packet{kind: pktERR, id: 99, errCode: errCodeIDNotFound}
	buf := marshalPacket(p)
	got, ok, err := unmarshalPacket(buf)
	if err != nil || !ok {
		t.Fatalf("unmarshalPacket error=%v ok=%v", err, ok)
	}
	if got.errCode != errCodeIDNotFound {
		t.Errorf("errCode = %v, want %v", got.errCode, errCodeIDNotFound)
	}
}

func TestUnmarshalUnknownKindIsWireDrop(t *testing.T) {
	buf := marshalPacket(packet{kind: 0x7F, id: 1})
	_, ok, err := unmarshalPacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("unknown kind should report ok=false")
	}
}

func TestUnmarshalShortHeaderErrors(t *testing.T) {
	_, _, err := unmarshalPacket([]byte{0x01, 0x02})
	if err == nil {
		t.Error("expected error for short header")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	p := packet{
		kind:        pktPSH,
		id:          123456,
		seq:         10,
		singleTotal: 92,
		totalCount:  500,
		data:        bytes.Repeat([]byte{0x42}, MaxPacketPayload),
	}
	wire := encodeDatagram(p)
	got, ok, err := decodeDatagram(wire)
	if err != nil || !ok {
		t.Fatalf("decodeDatagram error=%v ok=%v", err, ok)
	}
	if got.seq != p.seq || got.totalCount != p.totalCount || !bytes.Equal(got.data, p.data) {
		t.Errorf("datagram round trip mismatch")
	}
}

func TestDatagramBadChecksumDropped(t *testing.T) {
	p := packet{kind: pktFIN, id: 1}
	wire := encodeDatagram(p)
	corrupted := append([]byte(nil), wire...)
	corrupted[len(corrupted)-1] ^= 0x01
	_, ok, err := decodeDatagram(corrupted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("corrupted datagram should fail checksum verification")
	}
}
