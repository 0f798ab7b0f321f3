package rdt

import "time"

// Packet kinds. Mirrors the five wire kinds defined by the protocol.
const (
	pktPSH byte = 0x01
	pktREQ byte = 0x02
	pktFIN byte = 0x03
	pktACK byte = 0x04
	pktERR byte = 0x05
)

// errCodeIDNotFound is the only defined ERR payload value.
const errCodeIDNotFound uint16 = 0x0000

// Protocol constants (§6).
const (
	// MaxPacketPayload is the packet MTU (1090) minus framing headroom (14).
	MaxPacketPayload = 1076

	// ParallelCount is the default number of fragments kept in flight.
	ParallelCount = 92

	// Latency is the delay before a receiver's first hole-scan after a PSH.
	Latency = 35 * time.Millisecond

	// DefaultRTT is the default round-trip estimate used for retry scheduling.
	DefaultRTT = 200*time.Millisecond + Latency

	// DefaultBandwidth is the default pacing bandwidth estimate, in bytes/sec.
	DefaultBandwidth = 4 * 1024 * 1024

	// MaxBufferSize bounds a single transfer's payload.
	MaxBufferSize = 32768 * MaxPacketPayload

	// MaxCounter is the modulus transfer ids wrap around at.
	MaxCounter = 1 << 32

	headerSize = 6 // type:u8, reserved:u8, id:u32_be

	stallRetryLimit   = 3
	finishRetryPeriod = 1 * time.Second
	finishNotifyLimit = 10

	receiveRetryLimit = 10

	sessionTTL     = 60 * time.Minute
	sweepInterval  = 30 * time.Second
	deliveredGrace = 30 * time.Minute
)

// Family identifies the address family of a peer key.
type Family byte

const (
	FamilyV4 Family = '4'
	FamilyV6 Family = '6'
)

// PeerKey is a canonical (port, address, family) tuple used as a map key.
// Unspecified address defaults to the loopback address for the family;
// unspecified family defaults to v4.
type PeerKey struct {
	Port    uint16
	Address string
	Family  Family
}

// canonicalPeerKey normalises a peer key per §3 "Peer key".
func canonicalPeerKey(p PeerKey) PeerKey {
	fam := p.Family
	if fam != FamilyV6 {
		fam = FamilyV4
	}
	addr := p.Address
	if addr == "" {
		if fam == FamilyV6 {
			addr = "::1"
		} else {
			addr = "127.0.0.1"
		}
	}
	return PeerKey{Port: p.Port, Address: addr, Family: fam}
}

// sessionKey identifies a sending or receiving session.
type sessionKey struct {
	peer PeerKey
	id   uint32
}
