package quill

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/quill-db/quill/internal/encoding"
)

// MagicPeerState is the magic prefix of serialized peer state.
var MagicPeerState = [4]byte{'Q', 'P', 'S', 'T'}

const peerStateVersion byte = 1

// DocumentState is the snapshot of the replicated text document:
// the full item list, tombstones included, and every cursor register.
type DocumentState struct {
	Items   []ListItem
	Cursors []CursorEntry
}

// PeerState is the whole-file snapshot a peer writes on shutdown and
// restores on startup.
type PeerState struct {
	ChannelID        ChannelID
	ChannelOffset    int64
	SecretKey        []byte
	DefaultSchemaID  ItemID
	CursorsItemID    ItemID
	CharactersItemID ItemID
	Peers            []PeerEntry
	MessageLog       []MessageLogEntry
	Data             DocumentState
}

// Save serializes the engine's observable state. Load on the result
// yields an engine with identical observable state.
func (e *Engine) Save() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	logCopy := make([]MessageLogEntry, len(e.log))
	copy(logCopy, e.log)
	items := make([]ListItem, len(e.list.Items()))
	copy(items, e.list.Items())
	cursors := e.cursors.Entries()
	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].Key.Compare(cursors[j].Key) < 0
	})
	st := &PeerState{
		ChannelID:        e.channelID,
		ChannelOffset:    e.channelOffset,
		SecretKey:        e.sealer.Key(),
		DefaultSchemaID:  e.defaultSchemaID,
		CursorsItemID:    e.cursorsID,
		CharactersItemID: e.charactersID,
		Peers:            e.matrix.Peers(),
		MessageLog:       logCopy,
		Data:             DocumentState{Items: items, Cursors: cursors},
	}
	return EncodePeerState(st)
}

// LoadEngine restores an engine from bytes produced by Save. When the
// snapshot carries a message log the CRDT state is reconstructed by
// replaying it in its recorded application order, which also rebuilds
// the per-origin index translation tables; the persisted peer order and
// document must match the reconstruction or the load fails with
// ErrIndexMismatch.
func LoadEngine(state []byte) (*Engine, error) {
	st, err := DecodePeerState(state)
	if err != nil {
		return nil, err
	}
	if len(st.Peers) == 0 {
		return nil, fmt.Errorf("%w: no peers in state", ErrIndexMismatch)
	}
	sealer, err := NewSealer(SealConfig{Key: st.SecretKey})
	if err != nil {
		return nil, err
	}
	e := newEngineShell(st.Peers[0].Peer, st.ChannelID, sealer, "text-document")
	if len(st.MessageLog) > 0 {
		if err := e.replay(st); err != nil {
			return nil, err
		}
	} else {
		if err := e.restoreVerbatim(st); err != nil {
			return nil, err
		}
	}
	if st.ChannelOffset > e.channelOffset {
		e.channelOffset = st.ChannelOffset
	}
	return e, nil
}

func (e *Engine) replay(st *PeerState) error {
	// The log is appended in application order, which is causally valid
	// by construction: it follows the channel's offset order for
	// acknowledged messages and keeps local messages at the positions
	// they were produced, acknowledged or not.
	self := e.matrix.Self()
	for _, entry := range st.MessageLog {
		if entry.SenderPeerIndex >= uint64(len(st.Peers)) {
			return fmt.Errorf("%w: log references peer index %d", ErrIndexMismatch, entry.SenderPeerIndex)
		}
		sender := st.Peers[entry.SenderPeerIndex].Peer
		if sender == self {
			if err := e.replayOwn(entry); err != nil {
				return err
			}
		} else {
			if err := e.receiveLocked(sender, entry.SenderSeqNo, entry.Offset, entry.Payload); err != nil {
				return fmt.Errorf("replay seq %d from %s: %w", entry.SenderSeqNo, sender, err)
			}
			e.drain()
		}
	}

	replayed := e.matrix.Peers()
	if len(replayed) != len(st.Peers) {
		return fmt.Errorf("%w: replay yields %d peers, state has %d", ErrIndexMismatch, len(replayed), len(st.Peers))
	}
	for i := range replayed {
		if replayed[i].Peer != st.Peers[i].Peer {
			return fmt.Errorf("%w: peer order diverges at index %d", ErrIndexMismatch, i)
		}
	}
	if got, want := e.list.String(), documentText(st.Data.Items); got != want {
		return fmt.Errorf("%w: document snapshot diverges from log replay", ErrIndexMismatch)
	}
	if !st.DefaultSchemaID.IsZero() && st.DefaultSchemaID != e.defaultSchemaID {
		return fmt.Errorf("%w: schema id diverges from log replay", ErrIndexMismatch)
	}
	return nil
}

// replayOwn re-applies a message this peer produced, reconstructing the
// clock, the index assignments, and the announced set without touching
// the outgoing buffer.
func (e *Engine) replayOwn(entry MessageLogEntry) error {
	self := e.matrix.Self()
	opened, err := e.sealer.Open(entry.Payload)
	if err != nil {
		return err
	}
	msg, err := e.codec.DecodeMessage(self, opened)
	if err != nil {
		return err
	}
	if err := e.apply(self, entry.SenderSeqNo, entry.Offset, entry.Payload, msg); err != nil {
		return err
	}
	for _, op := range msg.Ops {
		if u, ok := op.(*ClockUpdate); ok {
			for _, ce := range u.Entries {
				if ce.Announce {
					e.matrix.MarkAnnounced(ce.PeerIndex)
				}
			}
		}
	}
	if entry.SenderSeqNo > e.lastSentSeq {
		e.lastSentSeq = entry.SenderSeqNo
	}
	return nil
}

// restoreVerbatim rebuilds the engine from the snapshot alone. Used for
// states with an empty message log, where there is nothing to replay.
func (e *Engine) restoreVerbatim(st *PeerState) error {
	matrix, err := RestorePeerMatrix(st.Peers)
	if err != nil {
		return err
	}
	e.matrix = matrix
	e.codec = NewCodec(matrix)
	for i := range st.Peers {
		e.matrix.MarkAnnounced(uint64(i))
	}
	items := make([]ListItem, len(st.Data.Items))
	copy(items, st.Data.Items)
	e.list = RestoreOrderedList(items)
	e.cursors = RestoreCursorMap(st.Data.Cursors)
	e.defaultSchemaID = st.DefaultSchemaID
	e.charactersID = st.CharactersItemID
	e.cursorsID = st.CursorsItemID
	if !st.DefaultSchemaID.IsZero() {
		e.schemas[st.DefaultSchemaID] = &Schema{
			ID:   st.DefaultSchemaID,
			Name: e.schemaName,
			Fields: []SchemaField{
				{Name: "characters", Kind: CollectionList, ID: st.CharactersItemID},
				{Name: "cursors", Kind: CollectionMap, ID: st.CursorsItemID},
			},
		}
	}
	return nil
}

func documentText(items []ListItem) string {
	var buf bytes.Buffer
	for i := range items {
		if items[i].DeleteTS.IsZero() {
			buf.WriteString(items[i].Value)
		}
	}
	return buf.String()
}

// EncodePeerState serializes a peer state snapshot. Unlike the wire form,
// the snapshot spells out full peer identifiers: it is read before any
// index translation state exists.
func EncodePeerState(st *PeerState) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encoding.WriteRaw(buf, MagicPeerState[:]); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(peerStateVersion); err != nil {
		return nil, err
	}
	if err := encoding.WriteRaw(buf, st.ChannelID[:]); err != nil {
		return nil, err
	}
	if err := encoding.WriteInt64(buf, st.ChannelOffset); err != nil {
		return nil, err
	}
	if err := encoding.WriteBytes(buf, st.SecretKey); err != nil {
		return nil, err
	}
	for _, id := range []ItemID{st.DefaultSchemaID, st.CursorsItemID, st.CharactersItemID} {
		if err := writeStateItemID(buf, id); err != nil {
			return nil, err
		}
	}
	if err := encoding.WriteUint32(buf, uint32(len(st.Peers))); err != nil {
		return nil, err
	}
	for _, p := range st.Peers {
		if err := encoding.WriteRaw(buf, p.Peer[:]); err != nil {
			return nil, err
		}
		if err := encoding.WriteUint64(buf, p.NextTS); err != nil {
			return nil, err
		}
		if err := encoding.WriteUint32(buf, uint32(len(p.Clock))); err != nil {
			return nil, err
		}
		for _, c := range p.Clock {
			if err := encoding.WriteRaw(buf, c.Peer[:]); err != nil {
				return nil, err
			}
			if err := encoding.WriteUint64(buf, c.PeerIndex); err != nil {
				return nil, err
			}
			if err := encoding.WriteUint64(buf, c.LastSeqNo); err != nil {
				return nil, err
			}
		}
	}
	if err := encoding.WriteUint32(buf, uint32(len(st.MessageLog))); err != nil {
		return nil, err
	}
	for _, m := range st.MessageLog {
		if err := encoding.WriteUint64(buf, m.SenderPeerIndex); err != nil {
			return nil, err
		}
		if err := encoding.WriteUint64(buf, m.SenderSeqNo); err != nil {
			return nil, err
		}
		if err := encoding.WriteInt64(buf, m.Offset); err != nil {
			return nil, err
		}
		if err := encoding.WriteBytes(buf, m.Payload); err != nil {
			return nil, err
		}
	}
	if err := encoding.WriteUint32(buf, uint32(len(st.Data.Items))); err != nil {
		return nil, err
	}
	for _, it := range st.Data.Items {
		if err := writeStateItemID(buf, it.ID); err != nil {
			return nil, err
		}
		if err := writeStateItemID(buf, it.Ref); err != nil {
			return nil, err
		}
		if err := encoding.WriteString(buf, it.Value); err != nil {
			return nil, err
		}
		if err := writeStateItemID(buf, it.DeleteTS); err != nil {
			return nil, err
		}
	}
	if err := encoding.WriteUint32(buf, uint32(len(st.Data.Cursors))); err != nil {
		return nil, err
	}
	for _, c := range st.Data.Cursors {
		if err := encoding.WriteRaw(buf, c.Key[:]); err != nil {
			return nil, err
		}
		if err := writeStateItemID(buf, c.Value); err != nil {
			return nil, err
		}
		if err := writeStateItemID(buf, c.UpdateTS); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodePeerState deserializes a snapshot produced by EncodePeerState.
func DecodePeerState(data []byte) (*PeerState, error) {
	reader := bytes.NewReader(data)
	var magic [4]byte
	if err := encoding.ReadRaw(reader, magic[:]); err != nil {
		return nil, newCodecError("state magic", err)
	}
	if magic != MagicPeerState {
		return nil, newCodecError("invalid peer state magic", nil)
	}
	version, err := reader.ReadByte()
	if err != nil {
		return nil, newCodecError("state version", err)
	}
	if version != peerStateVersion {
		return nil, newCodecError(fmt.Sprintf("unsupported peer state version %d", version), nil)
	}
	st := &PeerState{}
	if err := encoding.ReadRaw(reader, st.ChannelID[:]); err != nil {
		return nil, newCodecError("channel id", err)
	}
	if st.ChannelOffset, err = encoding.ReadInt64(reader); err != nil {
		return nil, newCodecError("channel offset", err)
	}
	if st.SecretKey, err = encoding.ReadBytes(reader); err != nil {
		return nil, newCodecError("secret key", err)
	}
	for _, dst := range []*ItemID{&st.DefaultSchemaID, &st.CursorsItemID, &st.CharactersItemID} {
		if *dst, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("root item id", err)
		}
	}
	peerCount, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("peer count", err)
	}
	for i := uint32(0); i < peerCount; i++ {
		var p PeerEntry
		if err := encoding.ReadRaw(reader, p.Peer[:]); err != nil {
			return nil, newCodecError("peer id", err)
		}
		if p.NextTS, err = encoding.ReadUint64(reader); err != nil {
			return nil, newCodecError("peer nextTS", err)
		}
		clockCount, err := encoding.ReadUint32(reader)
		if err != nil {
			return nil, newCodecError("clock count", err)
		}
		for j := uint32(0); j < clockCount; j++ {
			var c PeerVClockEntry
			if err := encoding.ReadRaw(reader, c.Peer[:]); err != nil {
				return nil, newCodecError("clock peer id", err)
			}
			if c.PeerIndex, err = encoding.ReadUint64(reader); err != nil {
				return nil, newCodecError("clock peer index", err)
			}
			if c.LastSeqNo, err = encoding.ReadUint64(reader); err != nil {
				return nil, newCodecError("clock seq", err)
			}
			p.Clock = append(p.Clock, c)
		}
		st.Peers = append(st.Peers, p)
	}
	logCount, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("log count", err)
	}
	for i := uint32(0); i < logCount; i++ {
		var m MessageLogEntry
		if m.SenderPeerIndex, err = encoding.ReadUint64(reader); err != nil {
			return nil, newCodecError("log sender index", err)
		}
		if m.SenderSeqNo, err = encoding.ReadUint64(reader); err != nil {
			return nil, newCodecError("log seq", err)
		}
		if m.Offset, err = encoding.ReadInt64(reader); err != nil {
			return nil, newCodecError("log offset", err)
		}
		if m.Payload, err = encoding.ReadBytes(reader); err != nil {
			return nil, newCodecError("log payload", err)
		}
		st.MessageLog = append(st.MessageLog, m)
	}
	itemCount, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("item count", err)
	}
	for i := uint32(0); i < itemCount; i++ {
		var it ListItem
		if it.ID, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("item id", err)
		}
		if it.Ref, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("item ref", err)
		}
		if it.Value, err = encoding.ReadString(reader); err != nil {
			return nil, newCodecError("item value", err)
		}
		if it.DeleteTS, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("item delete ts", err)
		}
		st.Data.Items = append(st.Data.Items, it)
	}
	cursorCount, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("cursor count", err)
	}
	for i := uint32(0); i < cursorCount; i++ {
		var c CursorEntry
		if err := encoding.ReadRaw(reader, c.Key[:]); err != nil {
			return nil, newCodecError("cursor key", err)
		}
		if c.Value, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("cursor value", err)
		}
		if c.UpdateTS, err = readStateItemID(reader); err != nil {
			return nil, newCodecError("cursor ts", err)
		}
		st.Data.Cursors = append(st.Data.Cursors, c)
	}
	if reader.Len() != 0 {
		return nil, newCodecError(fmt.Sprintf("%d trailing bytes", reader.Len()), nil)
	}
	return st, nil
}

func writeStateItemID(buf *bytes.Buffer, id ItemID) error {
	if err := encoding.WriteUint64(buf, id.LogicalTS); err != nil {
		return err
	}
	return encoding.WriteRaw(buf, id.Peer[:])
}

func readStateItemID(reader *bytes.Reader) (ItemID, error) {
	var id ItemID
	var err error
	if id.LogicalTS, err = encoding.ReadUint64(reader); err != nil {
		return id, err
	}
	if err := encoding.ReadRaw(reader, id.Peer[:]); err != nil {
		return id, err
	}
	return id, nil
}
