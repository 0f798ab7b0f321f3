package rdt

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSenderTableAllocIDWraps(t *testing.T) {
	table := newSenderTable(zerolog.Nop())
	defer table.close()

	peer := canonicalPeerKey(PeerKey{Port: 9000})
	table.mu.Lock()
	table.nextID[peer] = MaxCounter - 1
	table.mu.Unlock()

	first := table.allocID(peer)
	if first != MaxCounter-1 {
		t.Fatalf("first alloc = %d, want %d", first, MaxCounter-1)
	}
	second := table.allocID(peer)
	if second != 0 {
		t.Fatalf("second alloc after wrap = %d, want 0", second)
	}
}

func TestSenderTableAtMostOneSession(t *testing.T) {
	table := newSenderTable(zerolog.Nop())
	defer table.close()

	peer := canonicalPeerKey(PeerKey{Port: 1})
	a := &sendingSession{id: 1, peer: peer, lastVisit: time.Now()}
	b := &sendingSession{id: 1, peer: peer, lastVisit: time.Now()}

	table.set(peer, 1, a)
	table.set(peer, 1, b)

	got := table.get(peer, 1)
	if got != b {
		t.Error("set should replace the prior entry for the same (peer, id)")
	}
	if !a.destroyed {
		t.Error("the replaced entry should be destroyed")
	}
}

func TestSenderTableSweepRemovesIdleEntries(t *testing.T) {
	table := newSenderTable(zerolog.Nop())
	defer table.close()

	peer := canonicalPeerKey(PeerKey{Port: 2})
	s := &sendingSession{id: 5, peer: peer, lastVisit: time.Now().Add(-2 * time.Hour)}
	table.set(peer, 5, s)

	removed := table.sweep(sessionTTL)
	if removed != 1 {
		t.Fatalf("sweep removed %d entries, want 1", removed)
	}
	if table.get(peer, 5) != nil {
		t.Error("swept session should no longer be retrievable")
	}
	if !s.destroyed {
		t.Error("swept session should be destroyed")
	}
}

func TestReceiverTableLazyRecycle(t *testing.T) {
	table := newReceiverTable(zerolog.Nop())
	defer table.close()

	peer := canonicalPeerKey(PeerKey{Port: 3})
	first := table.getOrCreate(peer, 1)
	first.mu.Lock()
	first.delivered = true
	first.deliveredAt = time.Now().Add(-(deliveredGrace + time.Minute))
	first.mu.Unlock()

	second := table.getOrCreate(peer, 1)
	if second == first {
		t.Error("getOrCreate should recycle a delivered, long-idle entry into a fresh one")
	}
	if second.delivered {
		t.Error("the recycled entry should start undelivered")
	}
}

func TestReceiverTableGetOrCreateReusesLiveEntry(t *testing.T) {
	table := newReceiverTable(zerolog.Nop())
	defer table.close()

	peer := canonicalPeerKey(PeerKey{Port: 4})
	first := table.getOrCreate(peer, 9)
	second := table.getOrCreate(peer, 9)
	if first != second {
		t.Error("getOrCreate should return the same live entry for the same (peer, id)")
	}
}

func TestHoleScanAdvancesPastFilledPrefix(t *testing.T) {
	r := &receivingSession{
		fragments:     make([][]byte, 5),
		totalCount:    5,
		singleTotal:   92,
		lastScanIndex: 0,
	}
	r.fragments[0] = []byte{1}
	r.fragments[1] = []byte{1}
	r.fragments[3] = []byte{1}

	holes := r.holeScan()
	if len(holes) != 2 || holes[0] != 2 || holes[1] != 4 {
		t.Fatalf("holeScan = %v, want [2 4]", holes)
	}
	if r.lastScanIndex != 2 {
		t.Fatalf("lastScanIndex = %d, want 2", r.lastScanIndex)
	}
}

func TestIsCompleteRequiresEverySlot(t *testing.T) {
	r := &receivingSession{fragments: make([][]byte, 3), totalCount: 3}
	if r.isComplete() {
		t.Error("empty session should not be complete")
	}
	r.fragments[0] = []byte{1}
	r.fragments[1] = []byte{2}
	if r.isComplete() {
		t.Error("partially-filled session should not be complete")
	}
	r.fragments[2] = []byte{3}
	if !r.isComplete() {
		t.Error("fully-filled session should be complete")
	}
}

func TestPeerKeyCanonicalization(t *testing.T) {
	got := canonicalPeerKey(PeerKey{Port: 1})
	if got.Address != "127.0.0.1" || got.Family != FamilyV4 {
		t.Errorf("canonicalPeerKey = %+v, want loopback v4", got)
	}
	got6 := canonicalPeerKey(PeerKey{Port: 1, Family: FamilyV6})
	if got6.Address != "::1" || got6.Family != FamilyV6 {
		t.Errorf("canonicalPeerKey(v6) = %+v, want loopback v6", got6)
	}
}
