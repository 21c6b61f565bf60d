package quill

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// PeerIDSize is the size of a peer identifier in bytes.
	PeerIDSize = 32
	// ChannelIDSize is the size of a channel identifier in bytes.
	ChannelIDSize = 16
)

// PeerID uniquely identifies a peer instance. It is assigned once, at
// peer creation, and never changes for the lifetime of the peer.
type PeerID [PeerIDSize]byte

// NewPeerID returns a fresh random peer identifier.
func NewPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return PeerID{}, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}

// PeerIDFromBytes copies b into a PeerID. b must be exactly PeerIDSize bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Compare orders peer identifiers bytewise.
func (p PeerID) Compare(q PeerID) int {
	return bytes.Compare(p[:], q[:])
}

// IsZero reports whether p is the zero peer identifier.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// String returns a short hex prefix for logging.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:4])
}

// ChannelID identifies a shared document on the relay.
type ChannelID [ChannelIDSize]byte

// NewChannelID returns a fresh random channel identifier.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

// ChannelIDFromBytes copies b into a ChannelID.
func ChannelIDFromBytes(b []byte) (ChannelID, error) {
	var id ChannelID
	if len(b) != ChannelIDSize {
		return id, fmt.Errorf("channel id must be %d bytes, got %d", ChannelIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseChannelID parses a channel identifier in UUID text form.
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelID{}, fmt.Errorf("parse channel id: %w", err)
	}
	return ChannelID(u), nil
}

// String renders the channel identifier in UUID text form.
func (c ChannelID) String() string {
	return uuid.UUID(c).String()
}

// ItemID globally identifies a single edit. IDs are totally ordered
// lexicographically on (LogicalTS, Peer); no two distinct edits share an ID
// because LogicalTS is strictly increasing per peer.
//
// The zero ItemID is reserved: it denotes "none" (the virtual head of a
// list, or an absent tombstone). Real IDs always have LogicalTS >= 1.
type ItemID struct {
	LogicalTS uint64
	Peer      PeerID
}

// Compare returns -1, 0, or +1 ordering a against b.
func (a ItemID) Compare(b ItemID) int {
	switch {
	case a.LogicalTS < b.LogicalTS:
		return -1
	case a.LogicalTS > b.LogicalTS:
		return 1
	}
	return a.Peer.Compare(b.Peer)
}

// Less reports whether a orders strictly before b.
func (a ItemID) Less(b ItemID) bool {
	return a.Compare(b) < 0
}

// IsZero reports whether a is the reserved "none" identifier.
func (a ItemID) IsZero() bool {
	return a.LogicalTS == 0 && a.Peer.IsZero()
}

// String renders the ID for logs and test failures.
func (a ItemID) String() string {
	if a.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%d@%s", a.LogicalTS, a.Peer)
}
