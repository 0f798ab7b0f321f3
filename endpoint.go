package rdt

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Message is delivered once a complete transfer has been reassembled.
type Message struct {
	Payload []byte
	Peer    PeerKey
	ID      uint32
}

// Config configures an Endpoint (constructor options, §6).
type Config struct {
	// Local bind address. Port 0 picks an ephemeral port.
	Port    int
	Address string
	Family  Family

	// Default remote peer, used when Send is called with a nil peer.
	RemotePort    int
	RemoteAddress string
	RemoteFamily  Family

	// Socket, if non-nil, is used instead of creating a new UDP socket.
	Socket net.PacketConn

	// ParallelCount overrides ParallelCount (the in-flight fragment window).
	ParallelCount int

	// BandWidth overrides DefaultBandwidth, in Mbps.
	BandWidth float64

	// RTT overrides DefaultRTT.
	RTT time.Duration

	// Logger receives structured diagnostics for wire drops and session
	// lifecycle events. A nil Logger is silent.
	Logger *zerolog.Logger

	// OnMessage, OnDrain and OnTimeout are the endpoint's three lifecycle
	// events (§6 "Events emitted"). Each is optional.
	OnMessage func(payload []byte, peer PeerKey, id uint32)
	OnDrain   func(id uint32, peer PeerKey)
	OnTimeout func(id uint32, peer PeerKey)
}

// Endpoint wires a UDP socket to the packet codec and the sender/receiver
// engines, and exposes the public send/bind/close surface (§4.G).
type Endpoint struct {
	conn net.PacketConn

	defaultPeer *PeerKey

	sender   *senderEngine
	receiver *receiverEngine

	log zerolog.Logger

	onDrain   func(id uint32, peer PeerKey)
	onTimeout func(id uint32, peer PeerKey)

	closed   atomic.Bool
	closeCh  chan struct{}
	readDone chan struct{}
}

// Bind creates (or adopts) a UDP socket and starts the endpoint's receive
// loop and background session-table sweeps.
func Bind(cfg Config) (*Endpoint, error) {
	conn := cfg.Socket
	if conn == nil {
		addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
		c, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		conn = c
	}

	log := newDefaultLogger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	parallelWindow := cfg.ParallelCount
	if parallelWindow <= 0 {
		parallelWindow = ParallelCount
	}
	bandwidth := cfg.BandWidth
	if bandwidth <= 0 {
		bandwidth = DefaultBandwidth
	} else {
		bandwidth = bandwidth * 1024 * 1024 / 8 // Mbps -> bytes/sec
	}
	rtt := cfg.RTT
	if rtt <= 0 {
		rtt = DefaultRTT
	}

	e := &Endpoint{
		conn:      conn,
		log:       log,
		onDrain:   cfg.OnDrain,
		onTimeout: cfg.OnTimeout,
		closeCh:   make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	if cfg.RemoteAddress != "" || cfg.RemotePort != 0 {
		peer := canonicalPeerKey(PeerKey{
			Port:    uint16(cfg.RemotePort),
			Address: cfg.RemoteAddress,
			Family:  cfg.RemoteFamily,
		})
		e.defaultPeer = &peer
	}

	e.sender = newSenderEngine(e, senderConfig{
		parallelWindow: parallelWindow,
		bandwidth:      bandwidth,
		rtt:            rtt,
	}, log)

	e.receiver = newReceiverEngine(e, rtt, log, func(payload []byte, peer PeerKey, id uint32) {
		if cfg.OnMessage != nil {
			cfg.OnMessage(payload, peer, id)
		}
	})

	go e.readLoop()

	return e, nil
}

// writeTo implements sendTransport/recvTransport.
func (e *Endpoint) writeTo(peer PeerKey, buf []byte) error {
	addr, err := resolvePeerAddr(peer)
	if err != nil {
		return err
	}
	_, err = e.conn.WriteTo(buf, addr)
	return err
}

func resolvePeerAddr(peer PeerKey) (net.Addr, error) {
	peer = canonicalPeerKey(peer)
	network := "udp4"
	if peer.Family == FamilyV6 {
		network = "udp6"
	}
	return net.ResolveUDPAddr(network, net.JoinHostPort(peer.Address, strconv.Itoa(int(peer.Port))))
}

func peerFromAddr(addr net.Addr) PeerKey {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return canonicalPeerKey(PeerKey{})
	}
	fam := FamilyV4
	if udp.IP.To4() == nil {
		fam = FamilyV6
	}
	return canonicalPeerKey(PeerKey{Port: uint16(udp.Port), Address: udp.IP.String(), Family: fam})
}

// readLoop dispatches incoming datagrams to the sender or receiver engine
// by packet kind, absorbing every wire-level failure as a silent WireDrop.
func (e *Endpoint) readLoop() {
	defer close(e.readDone)
	buf := make([]byte, MaxPacketPayload+64)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			if e.closed.Load() {
				return
			}
			continue
		}

		peer := peerFromAddr(addr)
		p, ok, decErr := decodeDatagram(buf[:n])
		if decErr != nil {
			logWireDrop(e.log, dropShort, peer, 0)
			continue
		}
		if !ok {
			logWireDrop(e.log, dropBadChecksum, peer, 0)
			continue
		}

		switch p.kind {
		case pktPSH:
			e.receiver.handlePSH(peer, p)
		case pktREQ:
			e.sender.handleREQ(peer, p)
		case pktFIN:
			e.sender.handleFIN(peer, p.id)
		case pktACK:
			e.receiver.handleACK(peer, p)
		case pktERR:
			e.receiver.handleERR(peer, p)
		default:
			logWireDrop(e.log, dropUnknownType, peer, p.id)
		}
	}
}

// Send starts a new transfer of payload to peer (or the endpoint's default
// remote peer, if peer is nil). It returns ok=false for an empty payload
// (no transfer is created and no traffic is sent).
func (e *Endpoint) Send(payload []byte, peer *PeerKey, onDrain func(id uint32, peer PeerKey)) (id uint32, ok bool, err error) {
	if e.closed.Load() {
		return 0, false, ErrClosed
	}
	if len(payload) == 0 {
		return 0, false, nil
	}
	if len(payload) > MaxBufferSize {
		return 0, false, fmt.Errorf("%w: %d bytes", ErrRange, len(payload))
	}

	target := peer
	if target == nil {
		target = e.defaultPeer
	}
	if target == nil {
		return 0, false, ErrNoPeer
	}

	dest := *target
	id = e.sender.startTransfer(dest, payload, func(id uint32, peer PeerKey) {
		if e.onDrain != nil {
			e.onDrain(id, peer)
		}
		if onDrain != nil {
			onDrain(id, peer)
		}
	}, e.onTimeout)

	return id, true, nil
}

// Close idempotently tears down the endpoint: both session tables are
// drained and destroyed, the receive loop is stopped, and the socket is
// closed. Send fails with ErrClosed afterwards; a repeated Close returns nil.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.closeCh)
	err := e.conn.Close()
	<-e.readDone
	e.sender.close()
	e.receiver.close()
	return err
}

// LocalAddr returns the endpoint's bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

