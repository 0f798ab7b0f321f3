package rdt

import "errors"

// Error taxonomy (§7). User-API errors are synchronous failures; wire-level
// and protocol-level errors never cross the API boundary and are instead
// absorbed into session state changes and the Message/Drain/Timeout events.
var (
	// ErrInvalidInput is returned for malformed user input at the API boundary.
	ErrInvalidInput = errors.New("rdt: invalid input")

	// ErrRange is returned when a buffer exceeds MaxBufferSize.
	ErrRange = errors.New("rdt: buffer exceeds MaxBufferSize")

	// ErrClosed is returned for any operation on a closed Endpoint.
	ErrClosed = errors.New("rdt: endpoint closed")

	// ErrNoPeer is returned by Send when no peer is given and no default
	// remote peer was configured.
	ErrNoPeer = errors.New("rdt: no peer and no default remote configured")
)

// wireDropReason classifies a silently-dropped datagram for diagnostics; it
// never crosses the API boundary as an error value.
type wireDropReason string

const (
	dropBadChecksum   wireDropReason = "checksum"
	dropUnknownType   wireDropReason = "unknown_type"
	dropShort         wireDropReason = "short_packet"
	dropUnknownID     wireDropReason = "unknown_id"
	dropIDNotFoundAck wireDropReason = "id_not_found"
)
