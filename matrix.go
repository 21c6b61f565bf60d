package quill

import "fmt"

// PeerVClockEntry records how far a peer has observed another peer's
// message stream. PeerIndex is the local index of the referenced peer.
type PeerVClockEntry struct {
	Peer      PeerID
	PeerIndex uint64
	LastSeqNo uint64
}

// PeerEntry is one row of the peer matrix: the most recent vector clock a
// peer reported for itself, plus that peer's logical clock position.
// Entry 0 of Clock, when present, is the peer's view of itself.
type PeerEntry struct {
	Peer   PeerID
	NextTS uint64
	Clock  []PeerVClockEntry
}

// PeerMatrix holds a vector clock per known peer and owns peer index
// assignment. The local peer is always index 0; further indices are dense
// and stable once assigned. Remote senders number peers in their own index
// space, so the matrix also keeps a per-origin translation table from the
// origin's indices to local ones.
type PeerMatrix struct {
	entries   []PeerEntry
	index     map[PeerID]uint64
	remote    map[PeerID]map[uint64]uint64
	announced []bool
	dirty     map[uint64]struct{}
}

// NewPeerMatrix creates a matrix with the local peer at index 0.
func NewPeerMatrix(self PeerID) *PeerMatrix {
	m := &PeerMatrix{
		index:     map[PeerID]uint64{self: 0},
		remote:    make(map[PeerID]map[uint64]uint64),
		announced: []bool{false},
		dirty:     make(map[uint64]struct{}),
	}
	m.entries = append(m.entries, PeerEntry{
		Peer:   self,
		NextTS: 1,
		Clock:  []PeerVClockEntry{{Peer: self, PeerIndex: 0, LastSeqNo: 0}},
	})
	return m
}

// Self returns the local peer's identifier.
func (m *PeerMatrix) Self() PeerID {
	return m.entries[0].Peer
}

// Len returns the number of known peers.
func (m *PeerMatrix) Len() int {
	return len(m.entries)
}

// Entry returns the matrix row at the given local index.
func (m *PeerMatrix) Entry(i uint64) *PeerEntry {
	return &m.entries[i]
}

// Peers returns the known peers in local index order.
func (m *PeerMatrix) Peers() []PeerEntry {
	out := make([]PeerEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// PeerIDToIndex returns the local index of peer, assigning the next dense
// index if the peer is unknown. A newly assigned peer starts with an empty
// vector clock.
func (m *PeerMatrix) PeerIDToIndex(peer PeerID) uint64 {
	if i, ok := m.index[peer]; ok {
		return i
	}
	i := uint64(len(m.entries))
	m.index[peer] = i
	m.entries = append(m.entries, PeerEntry{Peer: peer, NextTS: 1})
	m.announced = append(m.announced, false)
	return i
}

// RemoteIndexToPeerID resolves an index from origin's index space. The
// origin itself is its own index 0; any other index must have been
// declared through RegisterMapping first. The local peer's index space is
// the matrix itself, so origin == Self() resolves directly.
func (m *PeerMatrix) RemoteIndexToPeerID(origin PeerID, remoteIndex uint64) (PeerID, error) {
	if origin == m.Self() {
		if remoteIndex >= uint64(len(m.entries)) {
			return PeerID{}, fmt.Errorf("%w: local index %d", ErrUnknownPeerIndex, remoteIndex)
		}
		return m.entries[remoteIndex].Peer, nil
	}
	if remoteIndex == 0 {
		return origin, nil
	}
	local, ok := m.remote[origin][remoteIndex]
	if !ok {
		return PeerID{}, fmt.Errorf("%w: origin %s never declared index %d", ErrUnknownPeerIndex, origin, remoteIndex)
	}
	return m.entries[local].Peer, nil
}

// RegisterMapping records that sender origin uses remoteIndex to denote
// subject. With a nil subject the mapping must already exist. Must be
// called before any operation from origin referencing remoteIndex is
// decoded.
func (m *PeerMatrix) RegisterMapping(origin PeerID, subject *PeerID, remoteIndex uint64) error {
	if origin == m.Self() {
		// Replaying our own stream: the announced index must match the
		// dense assignment the matrix reproduces.
		if subject == nil {
			_, err := m.RemoteIndexToPeerID(origin, remoteIndex)
			return err
		}
		if got := m.PeerIDToIndex(*subject); got != remoteIndex {
			return fmt.Errorf("%w: replayed peer %s at index %d, expected %d", ErrIndexMismatch, subject, got, remoteIndex)
		}
		return nil
	}
	m.PeerIDToIndex(origin)
	if subject == nil {
		if _, err := m.RemoteIndexToPeerID(origin, remoteIndex); err != nil {
			return err
		}
		return nil
	}
	local := m.PeerIDToIndex(*subject)
	table := m.remote[origin]
	if table == nil {
		table = make(map[uint64]uint64)
		m.remote[origin] = table
	}
	if prev, ok := table[remoteIndex]; ok && prev != local {
		return fmt.Errorf("%w: origin %s remapped index %d", ErrUnknownPeerIndex, origin, remoteIndex)
	}
	table[remoteIndex] = local
	return nil
}

// CheckClockUpdate verifies that applying u for origin would not move any
// clock backwards. It changes no clock; an origin not yet known is
// assigned a local index.
func (m *PeerMatrix) CheckClockUpdate(origin PeerID, u *ClockUpdate) error {
	row := &m.entries[m.PeerIDToIndex(origin)]
	if u.NextTS < row.NextTS {
		return fmt.Errorf("%w: nextTS %d behind %d for %s", ErrClockRegression, u.NextTS, row.NextTS, origin)
	}
	for _, e := range u.Entries {
		for _, have := range row.Clock {
			if have.Peer == e.Peer && e.LastSeqNo < have.LastSeqNo {
				return fmt.Errorf("%w: %s reports seq %d for %s, had %d", ErrClockRegression, origin, e.LastSeqNo, e.Peer, have.LastSeqNo)
			}
		}
	}
	return nil
}

// ApplyClockUpdate merges u into origin's matrix row. Entries are
// monotonic: a decreasing LastSeqNo or a NextTS below the row's recorded
// NextTS is a clock regression and fails the message.
func (m *PeerMatrix) ApplyClockUpdate(origin PeerID, u *ClockUpdate) error {
	if err := m.CheckClockUpdate(origin, u); err != nil {
		return err
	}
	// Assign indices to every referenced peer before taking the row
	// pointer: assignment can grow m.entries and move the row.
	for _, e := range u.Entries {
		m.PeerIDToIndex(e.Peer)
	}
	row := &m.entries[m.PeerIDToIndex(origin)]
	row.NextTS = u.NextTS
	for _, e := range u.Entries {
		m.upsertClock(row, origin, e.Peer, e.LastSeqNo)
	}
	return nil
}

// ObservedSeq returns how many messages from peer the local peer has
// applied, per the local row's vector clock.
func (m *PeerMatrix) ObservedSeq(peer PeerID) uint64 {
	for _, e := range m.entries[0].Clock {
		if e.Peer == peer {
			return e.LastSeqNo
		}
	}
	return 0
}

// SetObservedSeq records that all messages from peer up to seq have been
// applied locally, and marks the row changed for the next outgoing clock
// update.
func (m *PeerMatrix) SetObservedSeq(peer PeerID, seq uint64) {
	idx := m.PeerIDToIndex(peer)
	m.upsertClock(&m.entries[0], m.Self(), peer, seq)
	m.dirty[idx] = struct{}{}
}

// BumpNextTS advances a peer's logical clock position to at least ts+1.
func (m *PeerMatrix) BumpNextTS(peer PeerID, ts uint64) {
	row := &m.entries[m.PeerIDToIndex(peer)]
	if ts+1 > row.NextTS {
		row.NextTS = ts + 1
	}
}

// CausallyReady reports whether every dependency asserted by the sender's
// clock update is satisfied locally: for each referenced peer, all
// messages up to the reported sequence number have been applied. A
// sender's entry for itself covers its own preceding messages, so
// same-sender ordering falls out of the same rule.
func (m *PeerMatrix) CausallyReady(u *ClockUpdate) bool {
	for _, e := range u.Entries {
		if e.Peer == m.Self() {
			continue
		}
		if m.ObservedSeq(e.Peer) < e.LastSeqNo {
			return false
		}
	}
	return true
}

// Announced reports whether the local peer has already announced the given
// index in an outgoing clock update.
func (m *PeerMatrix) Announced(idx uint64) bool {
	return m.announced[idx]
}

// MarkAnnounced records that idx was announced on the wire.
func (m *PeerMatrix) MarkAnnounced(idx uint64) {
	m.announced[idx] = true
}

// TakeDirty returns the local indices whose observed sequence numbers
// changed since the previous call, clearing the set.
func (m *PeerMatrix) TakeDirty() []uint64 {
	out := make([]uint64, 0, len(m.dirty))
	for i := range m.dirty {
		out = append(out, i)
	}
	m.dirty = make(map[uint64]struct{})
	return out
}

// RestorePeerMatrix rebuilds a matrix from persisted rows. The first row
// must be the local peer; duplicate peers fail with ErrIndexMismatch.
// Remote translation tables are not part of the persisted form and start
// empty.
func RestorePeerMatrix(peers []PeerEntry) (*PeerMatrix, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: empty peer list", ErrIndexMismatch)
	}
	m := &PeerMatrix{
		index:  make(map[PeerID]uint64, len(peers)),
		remote: make(map[PeerID]map[uint64]uint64),
		dirty:  make(map[uint64]struct{}),
	}
	for i, p := range peers {
		if _, ok := m.index[p.Peer]; ok {
			return nil, fmt.Errorf("%w: duplicate peer %s", ErrIndexMismatch, p.Peer)
		}
		m.index[p.Peer] = uint64(i)
		entry := PeerEntry{Peer: p.Peer, NextTS: p.NextTS}
		entry.Clock = append(entry.Clock, p.Clock...)
		m.entries = append(m.entries, entry)
		m.announced = append(m.announced, false)
	}
	return m, nil
}

func (m *PeerMatrix) upsertClock(row *PeerEntry, owner, peer PeerID, seq uint64) {
	idx := m.PeerIDToIndex(peer)
	for i := range row.Clock {
		if row.Clock[i].Peer == peer {
			if seq > row.Clock[i].LastSeqNo {
				row.Clock[i].LastSeqNo = seq
			}
			return
		}
	}
	entry := PeerVClockEntry{Peer: peer, PeerIndex: idx, LastSeqNo: seq}
	if peer == owner && len(row.Clock) > 0 {
		row.Clock = append([]PeerVClockEntry{entry}, row.Clock...)
		return
	}
	row.Clock = append(row.Clock, entry)
}
