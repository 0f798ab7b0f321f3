package rdt

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// recvTransport is the narrow collaborator the receiver engine needs from
// the endpoint: write one already-encoded datagram to peer.
type recvTransport interface {
	writeTo(peer PeerKey, buf []byte) error
}

// receiverEngine drives every receiving session on this endpoint (§4.E).
type receiverEngine struct {
	table     *receiverTable
	transport recvTransport
	rtt       time.Duration
	log       zerolog.Logger

	onMessage func(payload []byte, peer PeerKey, id uint32)

	finishMu  sync.Mutex
	finishSet map[sessionKey]*finishNotify
}

// finishNotify tracks a completed transfer whose FIN has been sent but not
// yet ACKed (the "finish-notify queue", §4.E "Finish-notify retry").
type finishNotify struct {
	timer *time.Timer
	count int
}

func newReceiverEngine(transport recvTransport, rtt time.Duration, log zerolog.Logger, onMessage func([]byte, PeerKey, uint32)) *receiverEngine {
	return &receiverEngine{
		table:     newReceiverTable(log),
		transport: transport,
		rtt:       rtt,
		log:       log,
		onMessage: onMessage,
		finishSet: make(map[sessionKey]*finishNotify),
	}
}

// handlePSH admits a fragment: look up or create the session, store it if
// it isn't a duplicate, and schedule the hole-check if none is pending. A
// pending check is left as it is, not pushed back.
func (e *receiverEngine) handlePSH(peer PeerKey, p packet) {
	s := e.table.getOrCreate(peer, p.id)

	s.mu.Lock()
	if s.destroyed || s.delivered {
		s.mu.Unlock()
		return
	}

	if int(p.totalCount) > len(s.fragments) {
		grown := make([][]byte, p.totalCount)
		copy(grown, s.fragments)
		s.fragments = grown
	}
	if s.totalCount == 0 {
		s.totalCount = p.totalCount
	}
	s.singleTotal = p.singleTotal

	if int(p.seq) < len(s.fragments) && s.fragments[p.seq] != nil {
		s.duplicateCount++
		s.mu.Unlock()
		return
	}
	if int(p.seq) >= len(s.fragments) {
		// seq beyond the window this PSH announced; ignore rather than panic.
		s.mu.Unlock()
		return
	}
	s.fragments[p.seq] = append([]byte(nil), p.data...)
	s.retryCount = 0

	if s.delayTimer == nil {
		s.delayTimer = time.AfterFunc(Latency, func() { e.holeCheck(s) })
	}
	s.mu.Unlock()
}

// holeScan walks forward from lastScanIndex collecting up to singleTotal
// empty indices, per §4.E "Hole scan".
func (r *receivingSession) holeScan() []uint16 {
	holes := make([]uint16, 0, r.singleTotal)
	i := r.lastScanIndex
	firstHole := r.totalCount
	found := false
	for ; i < r.totalCount && len(holes) < int(r.singleTotal); i++ {
		if r.fragments[i] == nil {
			holes = append(holes, i)
			if !found {
				firstHole = i
				found = true
			}
		}
	}
	if found {
		r.lastScanIndex = firstHole
	} else {
		r.lastScanIndex = r.totalCount
	}
	return holes
}

// holeCheck is the timed response cycle (§4.E "Timed response cycle"). It
// fires Latency after a PSH that found no check pending, then every
// RTT+Latency while holes remain.
func (e *receiverEngine) holeCheck(s *receivingSession) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	if s.isComplete() {
		peer, id := s.peer, s.id
		payload := s.concat()
		s.delivered = true
		s.deliveredAt = time.Now()
		s.delayTimer = nil
		s.mu.Unlock()

		e.sendFIN(peer, id)
		if e.onMessage != nil {
			e.onMessage(payload, peer, id)
		}
		e.armFinishNotify(peer, id)
		return
	}

	if s.retryCount > receiveRetryLimit {
		peer, id := s.peer, s.id
		s.mu.Unlock()
		e.table.delete(peer, id)
		logReceiveAbort(e.log, peer, id)
		return
	}

	holes := s.holeScan()
	peer, id := s.peer, s.id
	s.retryCount++
	s.delayTimer = time.AfterFunc(e.rtt+Latency, func() { e.holeCheck(s) })
	s.mu.Unlock()

	zipped, err := zipSeq(holes)
	if err != nil {
		return
	}
	buf := encodeDatagram(packet{kind: pktREQ, id: id, zippedSeqs: zipped})
	_ = e.transport.writeTo(peer, buf)
}

func (e *receiverEngine) sendFIN(peer PeerKey, id uint32) {
	buf := encodeDatagram(packet{kind: pktFIN, id: id})
	_ = e.transport.writeTo(peer, buf)
}

// armFinishNotify enqueues (peer, id) into the process-wide finish-notify
// retry set: a 1Hz timer re-sends FIN until ACKed or 10 rounds elapse.
func (e *receiverEngine) armFinishNotify(peer PeerKey, id uint32) {
	key := sessionKey{peer, id}
	e.finishMu.Lock()
	defer e.finishMu.Unlock()
	if _, ok := e.finishSet[key]; ok {
		return
	}
	n := &finishNotify{}
	n.timer = time.AfterFunc(finishRetryPeriod, func() { e.retryFinish(peer, id) })
	e.finishSet[key] = n
}

func (e *receiverEngine) retryFinish(peer PeerKey, id uint32) {
	key := sessionKey{peer, id}
	e.finishMu.Lock()
	n, ok := e.finishSet[key]
	if !ok {
		e.finishMu.Unlock()
		return
	}
	n.count++
	if n.count > finishNotifyLimit {
		delete(e.finishSet, key)
		e.finishMu.Unlock()
		return
	}
	n.timer = time.AfterFunc(finishRetryPeriod, func() { e.retryFinish(peer, id) })
	e.finishMu.Unlock()

	e.sendFIN(peer, id)
}

// handleACK processes an ACK(FIN) from the peer: it removes (peer, id)
// from the finish-notify retry set.
func (e *receiverEngine) handleACK(peer PeerKey, p packet) {
	if p.ackType != pktFIN {
		return
	}
	key := sessionKey{peer, p.id}
	e.finishMu.Lock()
	n, ok := e.finishSet[key]
	if ok {
		if n.timer != nil {
			n.timer.Stop()
		}
		delete(e.finishSet, key)
	}
	e.finishMu.Unlock()
}

// handleERR processes ERR(ID_NOT_FOUND): the sender has no memory of this
// transfer, so the receiving session is destroyed immediately.
func (e *receiverEngine) handleERR(peer PeerKey, p packet) {
	if p.errCode != errCodeIDNotFound {
		return
	}
	logWireDrop(e.log, dropIDNotFoundAck, peer, p.id)
	e.table.delete(peer, p.id)
}

func (e *receiverEngine) close() {
	e.finishMu.Lock()
	for k, n := range e.finishSet {
		if n.timer != nil {
			n.timer.Stop()
		}
		delete(e.finishSet, k)
	}
	e.finishMu.Unlock()
	e.table.close()
}
