package quill

// Op is an operation carried inside a message. Operations are applied
// strictly in the order they appear.
type Op interface {
	isOp()
}

// ClockEntry is one line of an outgoing vector clock delta. Announce marks
// entries that carry the full PeerID on the wire, which is required the
// first time a sender references a peer index.
type ClockEntry struct {
	Peer      PeerID
	PeerIndex uint64
	LastSeqNo uint64
	Announce  bool
}

// ClockUpdate advances the sender's row in the peer matrix. NextTS is the
// sender's next logical timestamp minus the timestamps the following
// operations consume. When those operations were allocated back to back,
// it is the timestamp of the first of them and each later one adds one.
type ClockUpdate struct {
	NextTS  uint64
	Entries []ClockEntry
}

func (*ClockUpdate) isOp() {}

// CollectionKind distinguishes the replicated collection types a schema
// can declare.
type CollectionKind byte

const (
	// CollectionList is an ordered list with tombstones.
	CollectionList CollectionKind = 1
	// CollectionMap is a last-writer-wins map.
	CollectionMap CollectionKind = 2
)

// SchemaField names one replicated collection inside a schema.
type SchemaField struct {
	Name string
	Kind CollectionKind
	ID   ItemID
}

// SchemaUpdate declares the channel's schema. The update's own ID keys the
// engine's schema cache; a channel's schema is fixed once declared.
type SchemaUpdate struct {
	ID     ItemID
	Name   string
	Fields []SchemaField
}

func (*SchemaUpdate) isOp() {}

// InsertOp inserts a value after the item identified by Ref (the zero ID
// means the head of the list).
type InsertOp struct {
	Ref   ItemID
	ID    ItemID
	Value string
}

func (*InsertOp) isOp() {}

// DeleteOp tombstones the item identified by Target. The wire record
// carries a legacy placeholder boolean (isDeleteCharacter) kept for
// compatibility with the historical structural decoder.
type DeleteOp struct {
	Target   ItemID
	DeleteTS ItemID
}

func (*DeleteOp) isOp() {}

// SetCursorOp writes a peer's cursor register. Value is the ID of the
// visible item the cursor sits after. The wire record carries a legacy
// placeholder boolean (isSetCursor) kept for compatibility with the
// historical structural decoder.
type SetCursorOp struct {
	Key      PeerID
	Value    ItemID
	UpdateTS ItemID
}

func (*SetCursorOp) isOp() {}

// Message is the decoded form of one wire payload: the channel schema it
// was produced under, an informational wall-clock timestamp, and the
// ordered operation list.
type Message struct {
	SchemaID  ItemID
	Timestamp int64
	Ops       []Op
}

// opClockTicks returns how many logical timestamps an operation consumes.
// Every insert, delete, cursor write, and schema declaration allocates
// IDs from the sender's clock.
func opClockTicks(op Op) uint64 {
	switch o := op.(type) {
	case *InsertOp, *DeleteOp, *SetCursorOp:
		return 1
	case *SchemaUpdate:
		// The declaration itself plus one ID per declared collection.
		return 1 + uint64(len(o.Fields))
	default:
		return 0
	}
}

// MessageLogEntry records one sent or received message. Offset is -1 for
// locally produced messages until the relay acknowledges them; it
// transitions exactly once to the server-assigned value. Payload holds the
// sealed wire bytes so the log can be replayed after a restart.
type MessageLogEntry struct {
	SenderPeerIndex uint64
	SenderSeqNo     uint64
	Offset          int64
	Payload         []byte
}

// Schema is a cached schema declaration, keyed in the engine by the ID of
// the SchemaUpdate that declared it.
type Schema struct {
	ID     ItemID
	Name   string
	Fields []SchemaField
}

// Field returns the declared collection with the given name.
func (s *Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}
