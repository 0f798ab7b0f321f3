package rdt

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// fragmentGenerator splits a user payload into at-most-MaxPacketPayload-byte
// fragments and packs a single fragment into wire bytes on demand. Modeled
// as the pull-based iterator described in the design notes: it holds only
// the data and the computed fragment count, and a caller asks it to pack
// specific sequences as they're scheduled rather than up front.
type fragmentGenerator struct {
	data       []byte
	totalCount uint16
}

func newFragmentGenerator(data []byte) *fragmentGenerator {
	totalCount := (len(data) + MaxPacketPayload - 1) / MaxPacketPayload
	if totalCount == 0 {
		totalCount = 1
	}
	return &fragmentGenerator{data: data, totalCount: uint16(totalCount)}
}

// fragment returns the raw bytes for sequence seq.
func (g *fragmentGenerator) fragment(seq uint16) []byte {
	start := int(seq) * MaxPacketPayload
	if start >= len(g.data) {
		return nil
	}
	end := start + MaxPacketPayload
	if end > len(g.data) {
		end = len(g.data)
	}
	return g.data[start:end]
}

// pack builds the on-wire PSH datagram for seq.
func (g *fragmentGenerator) pack(id uint32, seq uint16, singleTotal uint16) []byte {
	return encodeDatagram(packet{
		kind:        pktPSH,
		id:          id,
		seq:         seq,
		singleTotal: singleTotal,
		totalCount:  g.totalCount,
		data:        g.fragment(seq),
	})
}

// senderConfig holds the pacing inputs (§4.F "Pacing model").
type senderConfig struct {
	parallelWindow int
	bandwidth      float64 // bytes/sec
	rtt            time.Duration
}

// computePacing derives the per-burst tick interval and the opening-window
// burst multiplier from the bandwidth estimate and parallel window.
func computePacing(cfg senderConfig) (interval time.Duration, frequency int) {
	parallelSize := float64(cfg.parallelWindow) * float64(MaxPacketPayload)
	denom := cfg.bandwidth - parallelSize
	ms := 1000 * parallelSize / denom
	if denom <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 {
		ms = 1000
	}
	interval = time.Duration(ms * float64(time.Millisecond))

	freq := int(cfg.rtt / interval)
	if freq < 1 {
		freq = 1
	}
	return interval, freq
}

// sendTransport is the narrow send-side collaborator the sender engine
// needs from the endpoint: write one already-encoded datagram to peer.
type sendTransport interface {
	writeTo(peer PeerKey, buf []byte) error
}

// senderEngine drives every sending session on this endpoint (§4.F).
type senderEngine struct {
	table     *senderTable
	transport sendTransport
	cfg       senderConfig
	log       zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newSenderEngine(transport sendTransport, cfg senderConfig, log zerolog.Logger) *senderEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &senderEngine{
		table:     newSenderTable(log),
		transport: transport,
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// startTransfer creates a sending session for payload addressed to peer,
// packs the opening burst into the outbound queue, and arms the pacing timer
// whose first tick sends it. It assumes
// payload is non-empty and within MaxBufferSize; the endpoint validates
// those before calling in.
func (e *senderEngine) startTransfer(peer PeerKey, payload []byte, onDrain, onTimeout func(id uint32, peer PeerKey)) uint32 {
	peer = canonicalPeerKey(peer)
	id := e.table.allocID(peer)

	gen := newFragmentGenerator(payload)
	interval, frequency := computePacing(e.cfg)
	parallelCount := e.cfg.parallelWindow
	if int(gen.totalCount) < parallelCount {
		parallelCount = int(gen.totalCount)
	}

	limiter := rate.NewLimiter(rate.Limit(float64(e.cfg.parallelWindow)/interval.Seconds()), e.cfg.parallelWindow)

	s := &sendingSession{
		id:             id,
		peer:           peer,
		gen:            gen,
		limiter:        limiter,
		interval:       interval,
		parallelWindow: e.cfg.parallelWindow,
		rtt:            e.cfg.rtt,
		outbound:       make(map[uint16][]byte),
		sentCounts:     make(map[uint16]int),
		totalCount:     int(gen.totalCount),
		lastVisit:      time.Now(),
		onDrain:        onDrain,
		onTimeout:      onTimeout,
	}

	openEnd := parallelCount * frequency
	if openEnd > int(gen.totalCount) {
		openEnd = int(gen.totalCount)
	}
	for seq := 0; seq < openEnd; seq++ {
		e.enqueue(s, uint16(seq))
	}

	e.table.set(peer, id, s)

	s.mu.Lock()
	s.pacingTimer = time.AfterFunc(interval, func() { e.pacingTick(s) })
	s.mu.Unlock()

	return id
}

// enqueue packs fragment seq and stores it in the outbound queue. Caller
// must not hold s.mu.
func (e *senderEngine) enqueue(s *sendingSession, seq uint16) {
	if int(seq) >= s.totalCount {
		return
	}
	s.mu.Lock()
	singleTotal := uint16(s.parallelWindow)
	buf := s.gen.pack(s.id, seq, singleTotal)
	s.outbound[seq] = buf
	s.mu.Unlock()
}

// pacingTick drains up to parallelWindow queued fragments, gated by the
// token-bucket limiter, and reschedules itself while work remains.
func (e *senderEngine) pacingTick(s *sendingSession) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	seqs := make([]uint16, 0, len(s.outbound))
	for seq := range s.outbound {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > s.parallelWindow {
		seqs = seqs[:s.parallelWindow]
	}

	var burst []uint16
	for _, seq := range seqs {
		if !s.limiter.Allow() {
			break
		}
		burst = append(burst, seq)
	}

	bufs := make([][]byte, 0, len(burst))
	for _, seq := range burst {
		bufs = append(bufs, s.outbound[seq])
		delete(s.outbound, seq)
		s.sentCounts[seq]++
	}
	s.lastBurst = burst
	remaining := len(s.outbound) > 0
	peer := s.peer
	s.mu.Unlock()

	for _, buf := range bufs {
		_ = e.transport.writeTo(peer, buf)
	}

	if remaining {
		s.mu.Lock()
		if !s.destroyed {
			s.pacingTimer = time.AfterFunc(s.interval, func() { e.pacingTick(s) })
			if s.stallTimer == nil {
				s.stallTimer = time.AfterFunc(s.rtt+1000*time.Millisecond, func() { e.onStall(s, 1) })
			}
		}
		s.mu.Unlock()
	}
}

// onStall fires when pacing has packets left but the peer has been silent.
// It escalates through up to 3 rounds before abandoning the transfer.
func (e *senderEngine) onStall(s *sendingSession, round int) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if round >= stallRetryLimit {
		peer, id, onTimeout := s.peer, s.id, s.onTimeout
		s.mu.Unlock()
		e.table.delete(peer, id)
		logSendTimeout(e.log, peer, id)
		if onTimeout != nil {
			onTimeout(id, peer)
		}
		return
	}

	burst := s.lastBurst
	singleTotal := uint16(s.parallelWindow)
	bufs := make([][]byte, 0, len(burst))
	for _, seq := range burst {
		bufs = append(bufs, s.gen.pack(s.id, seq, singleTotal))
		s.sentCounts[seq]++
	}
	peer := s.peer
	wait := time.Duration(float64(s.rtt+1000*time.Millisecond) * math.Pow(1.8, float64(round)))
	s.stallTimer = time.AfterFunc(wait, func() { e.onStall(s, round+1) })
	s.mu.Unlock()

	for _, buf := range bufs {
		_ = e.transport.writeTo(peer, buf)
	}
}

// handleREQ processes a REQ datagram for (peer, id): it cancels the stall
// timer, advances the generator for the requested-minus-last-requested set,
// and re-arms the suppression window.
func (e *senderEngine) handleREQ(peer PeerKey, p packet) {
	s := e.table.get(peer, p.id)
	if s == nil {
		logWireDrop(e.log, dropUnknownID, peer, p.id)
		e.sendERR(peer, p.id)
		return
	}

	requested := unzipSeq(p.zippedSeqs)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.stallTimer != nil {
		s.stallTimer.Stop()
		s.stallTimer = nil
	}
	s.stallRound = 0

	fresh := make([]uint16, 0, len(requested))
	for _, seq := range requested {
		if _, suppressed := s.lastRequested[seq]; !suppressed {
			fresh = append(fresh, seq)
		}
	}
	if len(fresh) == 0 {
		s.mu.Unlock()
		return
	}

	s.lastRequested = seqSetFromSlice(requested)
	s.lastRequestedAt = time.Now()
	s.mu.Unlock()

	for _, seq := range fresh {
		e.enqueue(s, seq)
	}

	rtt := e.cfg.rtt
	time.AfterFunc(rtt, func() {
		s.mu.Lock()
		if !s.destroyed && time.Since(s.lastRequestedAt) >= rtt {
			s.lastRequested = nil
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if !destroyed {
		// The requested fragments are already packed; send them from a
		// separate goroutine so this REQ's callback has fully unwound first
		// (design notes §9, suspension point c).
		go e.pacingTick(s)
	}
}

// handleFIN processes a FIN datagram for (peer, id): the transfer is
// complete from the sender's perspective.
func (e *senderEngine) handleFIN(peer PeerKey, id uint32) {
	s := e.table.get(peer, id)
	if s == nil {
		return
	}
	s.mu.Lock()
	onDrain := s.onDrain
	repeatRate := s.repeatRate()
	s.mu.Unlock()

	logDrain(e.log, peer, id, repeatRate)

	e.table.delete(peer, id)
	e.sendACK(peer, id, pktFIN)
	if onDrain != nil {
		onDrain(id, peer)
	}
}

// sendERR replies ERR(ID_NOT_FOUND) for an REQ against an unknown session.
func (e *senderEngine) sendERR(peer PeerKey, id uint32) {
	buf := encodeDatagram(packet{kind: pktERR, id: id, errCode: errCodeIDNotFound})
	_ = e.transport.writeTo(peer, buf)
}

func (e *senderEngine) sendACK(peer PeerKey, id uint32, ackType byte) {
	buf := encodeDatagram(packet{kind: pktACK, id: id, ackType: ackType})
	_ = e.transport.writeTo(peer, buf)
}

func (e *senderEngine) close() {
	e.cancel()
	e.table.close()
}
