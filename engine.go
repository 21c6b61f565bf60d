package quill

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EngineConfig configures a peer engine.
type EngineConfig struct {
	// Seal configures payload sealing. A zero value leaves payloads
	// framed but unencrypted.
	Seal SealConfig

	// SchemaName names the schema this peer declares if it is the first
	// writer on the channel. Default: "text-document".
	SchemaName string
}

// Engine is a single peer's view of a shared document. It owns the peer
// matrix, the CRDTs, and the outgoing operation buffer. All externally
// observable transitions (local edit, message send, message receive) are
// atomic steps; the engine serializes them internally.
type Engine struct {
	mu sync.Mutex

	channelID ChannelID
	matrix    *PeerMatrix
	codec     *Codec
	sealer    *Sealer

	list    *OrderedList
	cursors *CursorMap

	schemas         map[ItemID]*Schema
	defaultSchemaID ItemID
	charactersID    ItemID
	cursorsID       ItemID
	schemaName      string

	outgoing    []Op
	lastSentSeq uint64
	log         []MessageLogEntry

	pending  []pendingMessage
	gapped   map[PeerID]map[uint64]gapEntry
	accepted map[PeerID]uint64

	channelOffset int64
	closed        bool
}

// pendingMessage is a decoded message whose causal dependencies are not
// yet satisfied. Buffering is a normal operating state, not an error.
type pendingMessage struct {
	sender  PeerID
	seq     uint64
	offset  int64
	payload []byte
	msg     *Message
}

// gapEntry is a raw payload received ahead of its per-sender sequence. It
// cannot be decoded yet: a predecessor message may declare peer-index
// mappings it depends on.
type gapEntry struct {
	offset  int64
	payload []byte
}

// NewEngine creates a fresh peer on a channel. The peer declares the
// channel schema lazily, on its first local mutation, so a joining peer
// that subscribes before editing adopts the channel's existing schema.
func NewEngine(peerID PeerID, channelID ChannelID, cfg EngineConfig) (*Engine, error) {
	if cfg.SchemaName == "" {
		cfg.SchemaName = "text-document"
	}
	if cfg.Seal.Passphrase != "" && len(cfg.Seal.Salt) == 0 {
		cfg.Seal.Salt = channelSalt(channelID)
	}
	sealer, err := NewSealer(cfg.Seal)
	if err != nil {
		return nil, err
	}
	return newEngineShell(peerID, channelID, sealer, cfg.SchemaName), nil
}

func newEngineShell(peerID PeerID, channelID ChannelID, sealer *Sealer, schemaName string) *Engine {
	matrix := NewPeerMatrix(peerID)
	return &Engine{
		channelID:     channelID,
		matrix:        matrix,
		codec:         NewCodec(matrix),
		sealer:        sealer,
		list:          NewOrderedList(),
		cursors:       NewCursorMap(),
		schemas:       make(map[ItemID]*Schema),
		schemaName:    schemaName,
		gapped:        make(map[PeerID]map[uint64]gapEntry),
		accepted:      make(map[PeerID]uint64),
		channelOffset: -1,
	}
}

// channelSalt pads a channel ID to the seal salt size so that peers
// sharing only a passphrase and the channel ID derive the same key.
func channelSalt(id ChannelID) []byte {
	salt := make([]byte, SealSaltSize)
	copy(salt, id[:])
	copy(salt[ChannelIDSize:], id[:])
	return salt
}

// PeerID returns this peer's identifier.
func (e *Engine) PeerID() PeerID {
	return e.matrix.Self()
}

// ChannelID returns the channel this engine participates in.
func (e *Engine) ChannelID() ChannelID {
	return e.channelID
}

// ChannelOffset returns the highest server-assigned offset applied so far,
// or -1 if none. Transports resubscribe from this offset plus one.
func (e *Engine) ChannelOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelOffset
}

// LastSentSeqNo returns the sequence number of the last encoded message.
func (e *Engine) LastSentSeqNo() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSentSeq
}

// Peers returns the known peers in local index order.
func (e *Engine) Peers() []PeerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.matrix.Peers()
}

// MessageLog returns a copy of the message log.
func (e *Engine) MessageLog() []MessageLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MessageLogEntry, len(e.log))
	copy(out, e.log)
	return out
}

// PendingCount returns the number of buffered messages awaiting causal
// dependencies or missing predecessors.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending)
	for _, m := range e.gapped {
		n += len(m)
	}
	return n
}

// Schema returns the cached schema declared under id.
func (e *Engine) Schema(id ItemID) (*Schema, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.schemas[id]
	return s, ok
}

// Close marks the engine closed. Further mutations fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Document returns the visible text.
func (e *Engine) Document() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list.String()
}

// CursorOf returns the visible index of a peer's cursor.
func (e *Engine) CursorOf(peer PeerID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cursors.Get(peer)
	if !ok {
		return 0, false
	}
	return e.list.VisibleIndexOf(entry.Value)
}

// tick allocates the next ItemID from this peer's logical clock.
func (e *Engine) tick() ItemID {
	row := e.matrix.Entry(0)
	id := ItemID{LogicalTS: row.NextTS, Peer: row.Peer}
	row.NextTS++
	return id
}

// ensureSchema declares the channel schema if none is known yet.
func (e *Engine) ensureSchema() {
	if !e.defaultSchemaID.IsZero() {
		return
	}
	su := &SchemaUpdate{ID: e.tick(), Name: e.schemaName}
	su.Fields = []SchemaField{
		{Name: "characters", Kind: CollectionList, ID: e.tick()},
		{Name: "cursors", Kind: CollectionMap, ID: e.tick()},
	}
	e.registerSchema(su)
	e.outgoing = append(e.outgoing, su)
}

// registerSchema caches a declaration. Should two peers race to declare a
// schema on a fresh channel, every engine deterministically settles on the
// declaration with the smallest ID.
func (e *Engine) registerSchema(su *SchemaUpdate) {
	fields := make([]SchemaField, len(su.Fields))
	copy(fields, su.Fields)
	e.schemas[su.ID] = &Schema{ID: su.ID, Name: su.Name, Fields: fields}
	if !e.defaultSchemaID.IsZero() && !su.ID.Less(e.defaultSchemaID) {
		return
	}
	e.defaultSchemaID = su.ID
	for _, f := range fields {
		switch {
		case f.Kind == CollectionList && f.Name == "characters":
			e.charactersID = f.ID
		case f.Kind == CollectionMap && f.Name == "cursors":
			e.cursorsID = f.ID
		}
	}
}

// InsertChar inserts ch at the given visible index and queues the
// operation for broadcast.
func (e *Engine) InsertChar(index int, ch rune) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.ensureSchema()
	ref, ok := e.list.VisiblePredecessor(index)
	if !ok {
		return fmt.Errorf("insert index %d out of range", index)
	}
	id := e.tick()
	if err := e.list.Integrate(ref, id, string(ch)); err != nil {
		return err
	}
	e.outgoing = append(e.outgoing, &InsertOp{Ref: ref, ID: id, Value: string(ch)})
	return nil
}

// DeleteChar deletes the character at the given visible index and queues
// the operation for broadcast.
func (e *Engine) DeleteChar(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.ensureSchema()
	pos, ok := e.list.VisibleIndexToPos(index)
	if !ok {
		return fmt.Errorf("delete index %d out of range", index)
	}
	target := e.list.Item(pos).ID
	deleteTS := e.tick()
	if err := e.list.Delete(target, deleteTS); err != nil {
		return err
	}
	e.outgoing = append(e.outgoing, &DeleteOp{Target: target, DeleteTS: deleteTS})
	return nil
}

// SetCursor moves this peer's cursor to the given visible index and
// queues the register write for broadcast.
func (e *Engine) SetCursor(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.ensureSchema()
	value, ok := e.list.VisiblePredecessor(index)
	if !ok {
		return fmt.Errorf("cursor index %d out of range", index)
	}
	updateTS := e.tick()
	e.cursors.Put(e.matrix.Self(), value, updateTS)
	e.outgoing = append(e.outgoing, &SetCursorOp{Key: e.matrix.Self(), Value: value, UpdateTS: updateTS})
	return nil
}

// EncodeMessage drains the outgoing buffer into a sealed payload for the
// transport, or returns nil when there is nothing to send. The message
// leads with a clock update carrying the rows that changed since the
// previous message; peers referenced for the first time are announced
// there with their full PeerID before any operation references their
// index.
func (e *Engine) EncodeMessage() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if len(e.outgoing) == 0 {
		return nil, nil
	}

	include := map[uint64]struct{}{0: {}}
	for _, idx := range e.matrix.TakeDirty() {
		include[idx] = struct{}{}
	}
	referenced := referencedPeers(e.outgoing)
	if !e.defaultSchemaID.IsZero() {
		referenced = append(referenced, e.defaultSchemaID.Peer)
	}
	for _, peer := range referenced {
		idx := e.matrix.PeerIDToIndex(peer)
		if !e.matrix.Announced(idx) {
			include[idx] = struct{}{}
		}
	}

	cu := &ClockUpdate{NextTS: e.matrix.Entry(0).NextTS - messageTicks(e.outgoing)}
	for idx := range include {
		peer := e.matrix.Entry(idx).Peer
		cu.Entries = append(cu.Entries, ClockEntry{
			Peer:      peer,
			PeerIndex: idx,
			LastSeqNo: e.matrix.ObservedSeq(peer),
			Announce:  !e.matrix.Announced(idx),
		})
	}
	sort.Slice(cu.Entries, func(i, j int) bool {
		return cu.Entries[i].PeerIndex < cu.Entries[j].PeerIndex
	})
	for _, entry := range cu.Entries {
		e.matrix.MarkAnnounced(entry.PeerIndex)
	}

	msg := &Message{
		SchemaID:  e.defaultSchemaID,
		Timestamp: time.Now().UnixMilli(),
		Ops:       append([]Op{cu}, e.outgoing...),
	}
	wire, err := e.codec.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	sealed, err := e.sealer.Seal(wire)
	if err != nil {
		return nil, err
	}

	seq := e.lastSentSeq + 1
	e.log = append(e.log, MessageLogEntry{
		SenderPeerIndex: 0,
		SenderSeqNo:     seq,
		Offset:          -1,
		Payload:         sealed,
	})
	e.lastSentSeq = seq
	e.matrix.SetObservedSeq(e.matrix.Self(), seq)
	e.outgoing = nil
	return sealed, nil
}

// AckMessage records the server-assigned offset for a locally produced
// message. The offset transitions exactly once from -1.
func (e *Engine) AckMessage(senderSeqNo uint64, offset int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ackLocked(senderSeqNo, offset)
}

// ReceiveMessage ingests one payload delivered by the transport. The
// message is applied immediately when its per-sender sequence and causal
// dependencies line up, and buffered otherwise. A sequence gap is reported
// as a SeqNoError so the transport can resubscribe from ChannelOffset;
// the early message is still parked and will apply if its predecessors
// arrive.
func (e *Engine) ReceiveMessage(sender PeerID, senderSeq uint64, offset int64, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if sender == e.matrix.Self() {
		// The relay echoes our own messages back on the channel stream;
		// all we need from them is the assigned offset.
		e.ackLocked(senderSeq, offset)
		return nil
	}
	err := e.receiveLocked(sender, senderSeq, offset, payload)
	if err == nil {
		e.drain()
	}
	return err
}

func (e *Engine) ackLocked(senderSeqNo uint64, offset int64) {
	for i := range e.log {
		entry := &e.log[i]
		if entry.SenderPeerIndex == 0 && entry.SenderSeqNo == senderSeqNo && entry.Offset < 0 {
			entry.Offset = offset
			break
		}
	}
	if offset > e.channelOffset {
		e.channelOffset = offset
	}
}

func (e *Engine) receiveLocked(sender PeerID, senderSeq uint64, offset int64, payload []byte) error {
	observed := e.matrix.ObservedSeq(sender)
	if senderSeq <= observed {
		return &SeqNoError{Sender: sender, Got: senderSeq, LastKnownSeqNo: observed}
	}
	if e.buffered(sender, senderSeq) {
		// Already buffered; a resubscribe replayed it.
		return nil
	}
	if senderSeq > observed+1 {
		// Park the payload undecoded: a missing predecessor may declare
		// peer-index mappings this one needs. A true gap is reported so
		// the transport resubscribes; a predecessor that is merely
		// buffered on unmet dependencies is not a gap.
		gap := senderSeq > e.accepted[sender]+1
		e.park(sender, senderSeq, offset, payload)
		if gap {
			return &SeqNoError{Sender: sender, Got: senderSeq, LastKnownSeqNo: observed}
		}
		return nil
	}

	opened, err := e.sealer.Open(payload)
	if err != nil {
		return err
	}
	msg, err := e.codec.DecodeMessage(sender, opened)
	if err != nil {
		return err
	}
	for _, op := range msg.Ops {
		if u, ok := op.(*ClockUpdate); ok {
			if err := e.matrix.CheckClockUpdate(sender, u); err != nil {
				return err
			}
		}
	}
	if !e.ready(msg) {
		e.pending = append(e.pending, pendingMessage{sender: sender, seq: senderSeq, offset: offset, payload: payload, msg: msg})
		e.noteAccepted(sender, senderSeq)
		return nil
	}
	if err := e.apply(sender, senderSeq, offset, payload, msg); err != nil {
		return err
	}
	return nil
}

// buffered reports whether a message from sender with the given sequence
// number is already waiting in a buffer.
func (e *Engine) buffered(sender PeerID, seq uint64) bool {
	for _, p := range e.pending {
		if p.sender == sender && p.seq == seq {
			return true
		}
	}
	_, ok := e.gapped[sender][seq]
	return ok
}

func (e *Engine) park(sender PeerID, seq uint64, offset int64, payload []byte) {
	m := e.gapped[sender]
	if m == nil {
		m = make(map[uint64]gapEntry)
		e.gapped[sender] = m
	}
	m[seq] = gapEntry{offset: offset, payload: payload}
	e.noteAccepted(sender, seq)
}

func (e *Engine) noteAccepted(sender PeerID, seq uint64) {
	if seq > e.accepted[sender] {
		e.accepted[sender] = seq
	}
}

func (e *Engine) ready(msg *Message) bool {
	for _, op := range msg.Ops {
		if u, ok := op.(*ClockUpdate); ok && !e.matrix.CausallyReady(u) {
			return false
		}
	}
	return true
}

// apply applies a message's operations in order and records it in the
// message log. The caller has verified sequence and causal readiness.
func (e *Engine) apply(sender PeerID, seq uint64, offset int64, payload []byte, msg *Message) error {
	self := e.matrix.Self()
	for _, op := range msg.Ops {
		switch o := op.(type) {
		case *ClockUpdate:
			if err := e.matrix.ApplyClockUpdate(sender, o); err != nil {
				return err
			}
		case *SchemaUpdate:
			e.registerSchema(o)
			e.observeTS(sender, self, o.ID)
			for _, f := range o.Fields {
				e.observeTS(sender, self, f.ID)
			}
		case *InsertOp:
			if err := e.list.Integrate(o.Ref, o.ID, o.Value); err != nil {
				return err
			}
			e.observeTS(sender, self, o.ID)
		case *DeleteOp:
			if err := e.list.Delete(o.Target, o.DeleteTS); err != nil {
				return err
			}
			e.observeTS(sender, self, o.DeleteTS)
		case *SetCursorOp:
			e.cursors.Put(o.Key, o.Value, o.UpdateTS)
			e.observeTS(sender, self, o.UpdateTS)
		default:
			return fmt.Errorf("%w: %T", ErrUnknownOperationVariant, op)
		}
	}
	e.matrix.SetObservedSeq(sender, seq)
	if seq > e.accepted[sender] {
		e.accepted[sender] = seq
	}
	if offset > e.channelOffset {
		e.channelOffset = offset
	}
	e.log = append(e.log, MessageLogEntry{
		SenderPeerIndex: e.matrix.PeerIDToIndex(sender),
		SenderSeqNo:     seq,
		Offset:          offset,
		Payload:         payload,
	})
	return nil
}

// observeTS advances the issuing peer's clock row past the applied ID and
// keeps the local Lamport clock ahead of everything it has seen.
func (e *Engine) observeTS(sender, self PeerID, id ItemID) {
	if id.IsZero() {
		return
	}
	e.matrix.BumpNextTS(id.Peer, id.LogicalTS)
	e.matrix.BumpNextTS(self, id.LogicalTS)
}

// drain re-checks buffered messages until a full pass makes no progress.
// Pending messages apply once their dependencies are satisfied; parked
// payloads decode once their per-sender predecessor has been applied.
func (e *Engine) drain() {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(e.pending); i++ {
			p := e.pending[i]
			if e.matrix.ObservedSeq(p.sender)+1 != p.seq || !e.ready(p.msg) {
				continue
			}
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			if err := e.apply(p.sender, p.seq, p.offset, p.payload, p.msg); err != nil {
				slog.Warn("dropping buffered message", "sender", p.sender, "seq", p.seq, "err", err)
			}
			progress = true
			break
		}
		if progress {
			continue
		}
		for sender, parked := range e.gapped {
			next := e.matrix.ObservedSeq(sender) + 1
			entry, ok := parked[next]
			if !ok {
				continue
			}
			delete(parked, next)
			if len(parked) == 0 {
				delete(e.gapped, sender)
			}
			if err := e.receiveLocked(sender, next, entry.offset, entry.payload); err != nil {
				slog.Warn("dropping parked message", "sender", sender, "seq", next, "err", err)
			}
			progress = true
			break
		}
	}
}

// referencedPeers collects every PeerID the given operations mention.
func referencedPeers(ops []Op) []PeerID {
	seen := make(map[PeerID]struct{})
	add := func(ids ...ItemID) {
		for _, id := range ids {
			if !id.IsZero() {
				seen[id.Peer] = struct{}{}
			}
		}
	}
	for _, op := range ops {
		switch o := op.(type) {
		case *InsertOp:
			add(o.Ref, o.ID)
		case *DeleteOp:
			add(o.Target, o.DeleteTS)
		case *SetCursorOp:
			add(o.Value, o.UpdateTS)
			seen[o.Key] = struct{}{}
		case *SchemaUpdate:
			add(o.ID)
			for _, f := range o.Fields {
				add(f.ID)
			}
		case *ClockUpdate:
			for _, entry := range o.Entries {
				seen[entry.Peer] = struct{}{}
			}
		}
	}
	out := make([]PeerID, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func messageTicks(ops []Op) uint64 {
	var n uint64
	for _, op := range ops {
		n += opClockTicks(op)
	}
	return n
}
