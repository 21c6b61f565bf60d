package quill

import (
	"errors"
	"testing"
)

func TestPeerMatrixIndexAssignment(t *testing.T) {
	self := testPeerID(1)
	m := NewPeerMatrix(self)

	if got := m.PeerIDToIndex(self); got != 0 {
		t.Fatalf("local peer index = %d, want 0", got)
	}
	b := testPeerID(2)
	c := testPeerID(3)
	if got := m.PeerIDToIndex(b); got != 1 {
		t.Fatalf("first remote peer index = %d, want 1", got)
	}
	if got := m.PeerIDToIndex(c); got != 2 {
		t.Fatalf("second remote peer index = %d, want 2", got)
	}
	// Stable on repeat.
	if got := m.PeerIDToIndex(b); got != 1 {
		t.Fatalf("repeat lookup changed index to %d", got)
	}
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}
}

func TestPeerMatrixRemoteTranslation(t *testing.T) {
	self := testPeerID(1)
	origin := testPeerID(2)
	subject := testPeerID(3)
	m := NewPeerMatrix(self)

	// The origin is its own index 0 without any declaration.
	got, err := m.RemoteIndexToPeerID(origin, 0)
	if err != nil {
		t.Fatalf("origin self index: %v", err)
	}
	if got != origin {
		t.Fatalf("origin index 0 = %v, want %v", got, origin)
	}

	// Undeclared indices fail.
	if _, err := m.RemoteIndexToPeerID(origin, 1); !errors.Is(err, ErrUnknownPeerIndex) {
		t.Fatalf("undeclared index error = %v, want ErrUnknownPeerIndex", err)
	}
	if err := m.RegisterMapping(origin, nil, 1); !errors.Is(err, ErrUnknownPeerIndex) {
		t.Fatalf("nil subject for unknown mapping = %v, want ErrUnknownPeerIndex", err)
	}

	if err := m.RegisterMapping(origin, &subject, 1); err != nil {
		t.Fatalf("register mapping: %v", err)
	}
	got, err = m.RemoteIndexToPeerID(origin, 1)
	if err != nil {
		t.Fatalf("declared index: %v", err)
	}
	if got != subject {
		t.Fatalf("resolved %v, want %v", got, subject)
	}
	// Re-registering the same mapping is fine; remapping is not.
	if err := m.RegisterMapping(origin, &subject, 1); err != nil {
		t.Fatalf("idempotent register: %v", err)
	}
	other := testPeerID(4)
	if err := m.RegisterMapping(origin, &other, 1); err == nil {
		t.Fatal("expected error remapping a declared index")
	}
}

func TestPeerMatrixClockUpdate(t *testing.T) {
	self := testPeerID(1)
	origin := testPeerID(2)
	third := testPeerID(3)
	m := NewPeerMatrix(self)

	u := &ClockUpdate{
		NextTS: 3,
		Entries: []ClockEntry{
			{Peer: origin, PeerIndex: 0, LastSeqNo: 1},
			{Peer: third, PeerIndex: 1, LastSeqNo: 2},
		},
	}
	if err := m.ApplyClockUpdate(origin, u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	row := m.Entry(m.PeerIDToIndex(origin))
	if row.NextTS != 3 {
		t.Fatalf("nextTS = %d, want 3", row.NextTS)
	}
	if len(row.Clock) != 2 || row.Clock[0].Peer != origin {
		t.Fatalf("row clock = %+v; entry 0 must be the origin's own view", row.Clock)
	}

	// NextTS must not move backwards.
	back := &ClockUpdate{NextTS: 2}
	if err := m.ApplyClockUpdate(origin, back); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("regressing nextTS error = %v, want ErrClockRegression", err)
	}
	// Neither may an observed sequence number.
	regress := &ClockUpdate{
		NextTS:  4,
		Entries: []ClockEntry{{Peer: third, PeerIndex: 1, LastSeqNo: 1}},
	}
	if err := m.ApplyClockUpdate(origin, regress); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("regressing seq error = %v, want ErrClockRegression", err)
	}
}

func TestPeerMatrixCausallyReady(t *testing.T) {
	self := testPeerID(1)
	sender := testPeerID(2)
	third := testPeerID(3)
	m := NewPeerMatrix(self)

	u := &ClockUpdate{
		NextTS: 5,
		Entries: []ClockEntry{
			{Peer: sender, PeerIndex: 0, LastSeqNo: 0},
			{Peer: third, PeerIndex: 1, LastSeqNo: 2},
		},
	}
	if m.CausallyReady(u) {
		t.Fatal("ready without any messages from the referenced peer")
	}
	m.SetObservedSeq(third, 1)
	if m.CausallyReady(u) {
		t.Fatal("ready with only one of two required messages")
	}
	m.SetObservedSeq(third, 2)
	if !m.CausallyReady(u) {
		t.Fatal("not ready although all dependencies are applied")
	}

	// Entries about the local peer are always satisfied.
	aboutSelf := &ClockUpdate{
		NextTS:  5,
		Entries: []ClockEntry{{Peer: self, PeerIndex: 2, LastSeqNo: 99}},
	}
	if !m.CausallyReady(aboutSelf) {
		t.Fatal("entries about the local peer must not block readiness")
	}
}

func TestPeerMatrixObservedSeqMonotonic(t *testing.T) {
	m := NewPeerMatrix(testPeerID(1))
	peer := testPeerID(2)
	m.SetObservedSeq(peer, 3)
	m.SetObservedSeq(peer, 2)
	if got := m.ObservedSeq(peer); got != 3 {
		t.Fatalf("observed seq = %d, want 3 (monotonic)", got)
	}
}

func TestPeerMatrixDirtyTracking(t *testing.T) {
	m := NewPeerMatrix(testPeerID(1))
	peer := testPeerID(2)
	m.SetObservedSeq(peer, 1)
	dirty := m.TakeDirty()
	if len(dirty) != 1 || dirty[0] != 1 {
		t.Fatalf("dirty = %v, want [1]", dirty)
	}
	if got := m.TakeDirty(); len(got) != 0 {
		t.Fatalf("dirty not cleared: %v", got)
	}
}

func TestRestorePeerMatrix(t *testing.T) {
	m := NewPeerMatrix(testPeerID(1))
	m.PeerIDToIndex(testPeerID(2))
	m.SetObservedSeq(testPeerID(2), 4)

	restored, err := RestorePeerMatrix(m.Peers())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Len() != m.Len() {
		t.Fatalf("restored %d peers, want %d", restored.Len(), m.Len())
	}
	if restored.ObservedSeq(testPeerID(2)) != 4 {
		t.Fatal("restored clock lost observed seq")
	}

	dup := []PeerEntry{{Peer: testPeerID(1)}, {Peer: testPeerID(1)}}
	if _, err := RestorePeerMatrix(dup); !errors.Is(err, ErrIndexMismatch) {
		t.Fatalf("duplicate peer error = %v, want ErrIndexMismatch", err)
	}
	if _, err := RestorePeerMatrix(nil); !errors.Is(err, ErrIndexMismatch) {
		t.Fatalf("empty peer list error = %v, want ErrIndexMismatch", err)
	}
}
