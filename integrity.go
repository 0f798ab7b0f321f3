package rdt

import "encoding/binary"

// checksum computes the 16-bit one's-complement sum of buf, big-endian,
// padding an odd trailing byte with 0x00 in the low byte.
func checksum(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i : i+2]))
	}
	if i < n {
		sum += uint32(buf[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}

// verifyChecksum reports whether buf's one's-complement sum is 0xFFFF, i.e.
// that buf already carries a valid checksum prefix.
func verifyChecksum(buf []byte) bool {
	return checksum(buf) == 0xFFFF
}

// generateChecksum prepends the big-endian one's-complement of buf's
// checksum, so that verifyChecksum(generateChecksum(buf)) is always true.
func generateChecksum(buf []byte) []byte {
	sum := checksum(buf)
	prefixed := make([]byte, 2+len(buf))
	binary.BigEndian.PutUint16(prefixed[:2], ^sum)
	copy(prefixed[2:], buf)
	return prefixed
}

// xorObfuscate XORs buf in place against its own leading 4-byte word,
// treated as a big-endian key. Buffers of 4 bytes or fewer are returned
// unchanged (there is no word after the key). The transform is its own
// inverse: xorObfuscate(xorObfuscate(b)) == b.
//
// The loop starts at word 1 — the key word itself is never touched — and a
// 1-3 byte tail is XORed only against the key's high byte. This asymmetry is
// wire-compatibility-critical; do not "fix" it.
func xorObfuscate(buf []byte) []byte {
	if len(buf) <= 4 {
		return buf
	}
	pw := binary.BigEndian.Uint32(buf[0:4])
	pwBytes := [4]byte{byte(pw >> 24), byte(pw >> 16), byte(pw >> 8), byte(pw)}

	i := 4
	for ; i+4 <= len(buf); i += 4 {
		word := binary.BigEndian.Uint32(buf[i : i+4])
		binary.BigEndian.PutUint32(buf[i:i+4], word^pw)
	}
	for ; i < len(buf); i++ {
		buf[i] ^= pwBytes[0]
	}
	return buf
}
