// Package rdt implements a reliable datagram transport on top of unreliable UDP.
//
// Peers exchange byte payloads of up to MaxBufferSize bytes as a sequence of
// fixed-size fragments, recovered with selective-repeat retransmission,
// explicit end-of-transfer acknowledgement, per-destination pacing, and
// duplicate suppression. An Endpoint is symmetric: it may send and receive
// many concurrent transfers to and from many peers at once.
//
// The transport does not provide congestion control, ordering across
// transfers, or cryptographic security; see the package-level constants and
// Config for the knobs it does expose.
package rdt
