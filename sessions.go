package rdt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// sendingSession is the sender-side state for one (peer, id) transfer, owned
// by the senderTable (§3 "Sending session").
type sendingSession struct {
	mu sync.Mutex

	id   uint32
	peer PeerKey

	gen *fragmentGenerator

	limiter        *rate.Limiter
	interval       time.Duration
	parallelWindow int
	rtt            time.Duration

	outbound map[uint16][]byte

	lastRequested   map[uint16]struct{}
	lastRequestedAt time.Time

	pacingTimer *time.Timer

	// stallTimer is the spec's "finish_retry_timer": the escalating retry
	// that fires when pacing has packets left but the peer has gone silent,
	// bounded at 3 rounds. The current round number is carried as onStall's
	// argument; stallRound is only ever reset to 0, by handleREQ.
	stallTimer *time.Timer
	stallRound int
	lastBurst  []uint16

	sentCounts map[uint16]int
	totalCount int

	lastVisit time.Time

	onDrain   func(id uint32, peer PeerKey)
	onTimeout func(id uint32, peer PeerKey)

	destroyed bool
}

// cancelTimers stops every timer the session owns. Safe to call more than
// once and from the session's own destructor.
func (s *sendingSession) cancelTimers() {
	for _, t := range []*time.Timer{s.pacingTimer, s.stallTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// repeatRate reports the session's sent/total_count ratio (§3 "sent_counts
// ... to compute repeat rate at end"): 1.0 means every fragment went out
// exactly once, higher values reflect retransmission from REQ/stall retries.
// Caller must hold s.mu.
func (s *sendingSession) repeatRate() float64 {
	if s.totalCount == 0 {
		return 0
	}
	sent := 0
	for _, n := range s.sentCounts {
		sent += n
	}
	return float64(sent) / float64(s.totalCount)
}

// receivingSession is the receiver-side state for one (peer, id) transfer,
// owned by the receiverTable (§3 "Receiving session").
type receivingSession struct {
	mu sync.Mutex

	id   uint32
	peer PeerKey

	fragments   [][]byte
	totalCount  uint16
	singleTotal uint16

	lastScanIndex uint16

	retryCount     int
	duplicateCount int

	delivered   bool
	deliveredAt time.Time

	delayTimer *time.Timer

	lastVisit time.Time

	destroyed bool
}

func (r *receivingSession) cancelTimers() {
	if r.delayTimer != nil {
		r.delayTimer.Stop()
	}
}

// filledCount reports how many of [0, totalCount) slots are populated.
func (r *receivingSession) filledCount() int {
	n := 0
	for i := 0; i < len(r.fragments) && i < int(r.totalCount); i++ {
		if r.fragments[i] != nil {
			n++
		}
	}
	return n
}

// isComplete reports whether every slot in [0, totalCount) is populated.
// totalCount of 0 (no PSH seen yet) is never complete.
func (r *receivingSession) isComplete() bool {
	if r.totalCount == 0 {
		return false
	}
	return r.filledCount() == int(r.totalCount)
}

// concat assembles the delivered payload from fragments in order. Callers
// must already know isComplete() is true.
func (r *receivingSession) concat() []byte {
	out := make([]byte, 0, int(r.totalCount)*MaxPacketPayload)
	for i := 0; i < int(r.totalCount); i++ {
		out = append(out, r.fragments[i]...)
	}
	return out
}

// senderTable is the keyed (peer, id) -> sendingSession map with a
// per-peer id allocator and TTL sweep (§4.D "Sender-table specific").
type senderTable struct {
	mu       sync.Mutex
	sessions map[sessionKey]*sendingSession
	nextID   map[PeerKey]uint32

	log    zerolog.Logger
	cancel context.CancelFunc
}

func newSenderTable(log zerolog.Logger) *senderTable {
	t := &senderTable{
		sessions: make(map[sessionKey]*sendingSession),
		nextID:   make(map[PeerKey]uint32),
		log:      log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.autoClear(ctx, sessionTTL, sweepInterval)
	return t
}

// allocID returns the next transfer id for peer and advances the per-peer
// counter, wrapping modulo MaxCounter.
func (t *senderTable) allocID(peer PeerKey) uint32 {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID[peer]
	t.nextID[peer] = uint32((uint64(id) + 1) % MaxCounter)
	return id
}

func (t *senderTable) get(peer PeerKey, id uint32) *sendingSession {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey{peer, id}]
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.lastVisit = time.Now()
	s.mu.Unlock()
	return s
}

// set replaces any existing entry for (peer, id), destroying the prior
// value first.
func (t *senderTable) set(peer PeerKey, id uint32, s *sendingSession) {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	prior, ok := t.sessions[sessionKey{peer, id}]
	t.sessions[sessionKey{peer, id}] = s
	t.mu.Unlock()
	if ok {
		destroySendingSession(prior)
	}
}

func (t *senderTable) delete(peer PeerKey, id uint32) {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	s, ok := t.sessions[sessionKey{peer, id}]
	if ok {
		delete(t.sessions, sessionKey{peer, id})
	}
	t.mu.Unlock()
	if ok {
		destroySendingSession(s)
	}
}

func destroySendingSession(s *sendingSession) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.cancelTimers()
	s.mu.Unlock()
}

func (t *senderTable) autoClear(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := t.sweep(ttl)
			logSweep(t.log, "sender", removed)
		}
	}
}

func (t *senderTable) sweep(ttl time.Duration) int {
	now := time.Now()
	var stale []*sendingSession
	t.mu.Lock()
	for k, s := range t.sessions {
		s.mu.Lock()
		expired := now.Sub(s.lastVisit) > ttl
		s.mu.Unlock()
		if expired {
			delete(t.sessions, k)
			stale = append(stale, s)
		}
	}
	t.mu.Unlock()
	for _, s := range stale {
		destroySendingSession(s)
	}
	return len(stale)
}

// clear destroys every entry.
func (t *senderTable) clear() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[sessionKey]*sendingSession)
	t.mu.Unlock()
	for _, s := range sessions {
		destroySendingSession(s)
	}
}

func (t *senderTable) close() {
	t.cancel()
	t.clear()
}

// receiverTable is the keyed (peer, id) -> receivingSession map with the
// lazy-recycle get rule (§4.D "Receiver-table specific").
type receiverTable struct {
	mu       sync.Mutex
	sessions map[sessionKey]*receivingSession

	log    zerolog.Logger
	cancel context.CancelFunc
}

func newReceiverTable(log zerolog.Logger) *receiverTable {
	t := &receiverTable{
		sessions: make(map[sessionKey]*receivingSession),
		log:      log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.autoClear(ctx, sessionTTL, sweepInterval)
	return t
}

// getOrCreate returns the existing session for (peer, id), recycling a
// delivered-and-idle entry, or creates a fresh one.
func (t *receiverTable) getOrCreate(peer PeerKey, id uint32) *receivingSession {
	peer = canonicalPeerKey(peer)
	key := sessionKey{peer, id}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[key]; ok {
		s.mu.Lock()
		recycle := s.delivered && now.Sub(s.deliveredAt) > deliveredGrace
		s.mu.Unlock()
		if !recycle {
			s.mu.Lock()
			s.lastVisit = now
			s.mu.Unlock()
			return s
		}
		destroyReceivingSession(s)
	}

	s := &receivingSession{
		id:        id,
		peer:      peer,
		fragments: make([][]byte, 0, ParallelCount),
		lastVisit: now,
	}
	t.sessions[key] = s
	return s
}

func (t *receiverTable) get(peer PeerKey, id uint32) *receivingSession {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey{peer, id}]
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.lastVisit = time.Now()
	s.mu.Unlock()
	return s
}

func (t *receiverTable) delete(peer PeerKey, id uint32) {
	peer = canonicalPeerKey(peer)
	t.mu.Lock()
	s, ok := t.sessions[sessionKey{peer, id}]
	if ok {
		delete(t.sessions, sessionKey{peer, id})
	}
	t.mu.Unlock()
	if ok {
		destroyReceivingSession(s)
	}
}

func destroyReceivingSession(s *receivingSession) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.cancelTimers()
	s.mu.Unlock()
}

func (t *receiverTable) autoClear(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := t.sweep(ttl)
			logSweep(t.log, "receiver", removed)
		}
	}
}

func (t *receiverTable) sweep(ttl time.Duration) int {
	now := time.Now()
	var stale []*receivingSession
	t.mu.Lock()
	for k, s := range t.sessions {
		s.mu.Lock()
		expired := now.Sub(s.lastVisit) > ttl
		s.mu.Unlock()
		if expired {
			delete(t.sessions, k)
			stale = append(stale, s)
		}
	}
	t.mu.Unlock()
	for _, s := range stale {
		destroyReceivingSession(s)
	}
	return len(stale)
}

func (t *receiverTable) clear() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[sessionKey]*receivingSession)
	t.mu.Unlock()
	for _, s := range sessions {
		destroyReceivingSession(s)
	}
}

func (t *receiverTable) close() {
	t.cancel()
	t.clear()
}
