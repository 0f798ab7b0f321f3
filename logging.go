package rdt

import (
	"github.com/rs/zerolog"
)

// newDefaultLogger returns the logger used when Config.Logger is the zero
// value: silent, so embedding this package never writes to stdout/stderr
// unless the caller opts in.
func newDefaultLogger() zerolog.Logger {
	return zerolog.Nop()
}

// logWireDrop records a silently-dropped datagram: bad checksum, unknown
// packet type, or a reference to an unknown (peer, id) session. None of
// these are user-visible errors (§7 WireDrop); this is the only trace of
// them.
func logWireDrop(log zerolog.Logger, reason wireDropReason, peer PeerKey, id uint32) {
	log.Debug().
		Str("reason", string(reason)).
		Uint16("peer_port", peer.Port).
		Str("peer_addr", peer.Address).
		Uint32("id", id).
		Msg("rdt: wire drop")
}

// logReceiveAbort records a receiver exhausting its hole-scan retries.
func logReceiveAbort(log zerolog.Logger, peer PeerKey, id uint32) {
	log.Info().
		Uint16("peer_port", peer.Port).
		Str("peer_addr", peer.Address).
		Uint32("id", id).
		Msg("rdt: receive aborted after exhausting retries")
}

// logSendTimeout records a sender abandoning a stalled transfer.
func logSendTimeout(log zerolog.Logger, peer PeerKey, id uint32) {
	log.Info().
		Uint16("peer_port", peer.Port).
		Str("peer_addr", peer.Address).
		Uint32("id", id).
		Msg("rdt: send timed out")
}

// logDrain records a transfer's completion from the sender's side, including
// the repeat rate (§3 "sent_counts ... to compute repeat rate at end").
func logDrain(log zerolog.Logger, peer PeerKey, id uint32, repeatRate float64) {
	log.Debug().
		Uint16("peer_port", peer.Port).
		Str("peer_addr", peer.Address).
		Uint32("id", id).
		Float64("repeat_rate", repeatRate).
		Msg("rdt: send drained")
}

// logSweep records a table's periodic idle-session sweep.
func logSweep(log zerolog.Logger, table string, removed int) {
	if removed == 0 {
		return
	}
	log.Debug().
		Str("table", table).
		Int("removed", removed).
		Msg("rdt: swept idle sessions")
}
