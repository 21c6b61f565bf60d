package quill

import (
	"bytes"
	"fmt"

	"github.com/quill-db/quill/internal/encoding"
)

// Operation variant tags. The historical format discriminated variants
// structurally; the wire now carries explicit tags, and the two placeholder
// booleans that made structural matching work are preserved inside their
// records (see writeOp and readOp).
const (
	opTagClockUpdate byte = 1
	opTagSchema      byte = 2
	opTagInsert      byte = 3
	opTagDelete      byte = 4
	opTagSetCursor   byte = 5
)

// Codec translates between in-memory messages, whose operations carry full
// PeerIDs, and the wire form, which carries compact per-sender peer
// indices. It holds a reference to the engine's peer matrix for index
// translation; decoding registers the index mappings a clock update
// declares before any later operation in the message can reference them.
type Codec struct {
	matrix *PeerMatrix
}

// NewCodec creates a codec bound to a peer matrix.
func NewCodec(matrix *PeerMatrix) *Codec {
	return &Codec{matrix: matrix}
}

// EncodeMessage serializes msg. Item IDs are translated to the local
// peer's index space; the local peer is always index 0 on the wire.
func (c *Codec) EncodeMessage(msg *Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := c.writeItemID(buf, msg.SchemaID); err != nil {
		return nil, err
	}
	if err := encoding.WriteInt64(buf, msg.Timestamp); err != nil {
		return nil, err
	}
	if err := encoding.WriteUint32(buf, uint32(len(msg.Ops))); err != nil {
		return nil, err
	}
	for _, op := range msg.Ops {
		if err := c.writeOp(buf, op); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes a payload sent by sender, translating peer
// indices through sender's declared mappings. Mappings introduced by a
// clock update take effect immediately, before the rest of the message is
// decoded.
func (c *Codec) DecodeMessage(sender PeerID, data []byte) (*Message, error) {
	reader := bytes.NewReader(data)
	msg := &Message{}

	// The schema ID precedes the clock update that may declare the very
	// mapping its peer index needs, so resolve it only after the
	// operations are decoded.
	schemaTS, err := encoding.ReadUint64(reader)
	if err != nil {
		return nil, newCodecError("schema id", err)
	}
	schemaIndex, err := encoding.ReadUint64(reader)
	if err != nil {
		return nil, newCodecError("schema id", err)
	}
	if msg.Timestamp, err = encoding.ReadInt64(reader); err != nil {
		return nil, newCodecError("timestamp", err)
	}
	count, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("operation count", err)
	}
	for i := uint32(0); i < count; i++ {
		op, err := c.readOp(reader, sender)
		if err != nil {
			return nil, err
		}
		msg.Ops = append(msg.Ops, op)
	}
	if reader.Len() != 0 {
		return nil, newCodecError(fmt.Sprintf("%d trailing bytes", reader.Len()), nil)
	}
	if schemaTS != 0 {
		peer, err := c.matrix.RemoteIndexToPeerID(sender, schemaIndex)
		if err != nil {
			return nil, err
		}
		msg.SchemaID = ItemID{LogicalTS: schemaTS, Peer: peer}
	}
	return msg, nil
}

func (c *Codec) writeOp(buf *bytes.Buffer, op Op) error {
	switch o := op.(type) {
	case *ClockUpdate:
		if err := buf.WriteByte(opTagClockUpdate); err != nil {
			return err
		}
		return c.writeClockUpdate(buf, o)
	case *SchemaUpdate:
		if err := buf.WriteByte(opTagSchema); err != nil {
			return err
		}
		return c.writeSchemaUpdate(buf, o)
	case *InsertOp:
		if err := buf.WriteByte(opTagInsert); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.Ref); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.ID); err != nil {
			return err
		}
		return encoding.WriteString(buf, o.Value)
	case *DeleteOp:
		if err := buf.WriteByte(opTagDelete); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.Target); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.DeleteTS); err != nil {
			return err
		}
		// Legacy isDeleteCharacter placeholder.
		return encoding.WriteBool(buf, true)
	case *SetCursorOp:
		if err := buf.WriteByte(opTagSetCursor); err != nil {
			return err
		}
		if err := encoding.WriteUint64(buf, c.matrix.PeerIDToIndex(o.Key)); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.Value); err != nil {
			return err
		}
		if err := c.writeItemID(buf, o.UpdateTS); err != nil {
			return err
		}
		// Legacy isSetCursor placeholder.
		return encoding.WriteBool(buf, true)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOperationVariant, op)
	}
}

func (c *Codec) readOp(reader *bytes.Reader, sender PeerID) (Op, error) {
	tag, err := reader.ReadByte()
	if err != nil {
		return nil, newCodecError("operation tag", err)
	}
	switch tag {
	case opTagClockUpdate:
		return c.readClockUpdate(reader, sender)
	case opTagSchema:
		return c.readSchemaUpdate(reader, sender)
	case opTagInsert:
		op := &InsertOp{}
		if op.Ref, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("insert ref", err)
		}
		if op.ID, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("insert id", err)
		}
		if op.Value, err = encoding.ReadString(reader); err != nil {
			return nil, newCodecError("insert value", err)
		}
		return op, nil
	case opTagDelete:
		op := &DeleteOp{}
		if op.Target, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("delete target", err)
		}
		if op.DeleteTS, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("delete ts", err)
		}
		if _, err = encoding.ReadBool(reader); err != nil {
			return nil, newCodecError("delete placeholder", err)
		}
		return op, nil
	case opTagSetCursor:
		op := &SetCursorOp{}
		keyIndex, err := encoding.ReadUint64(reader)
		if err != nil {
			return nil, newCodecError("cursor key", err)
		}
		if op.Key, err = c.matrix.RemoteIndexToPeerID(sender, keyIndex); err != nil {
			return nil, err
		}
		if op.Value, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("cursor value", err)
		}
		if op.UpdateTS, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("cursor ts", err)
		}
		if _, err = encoding.ReadBool(reader); err != nil {
			return nil, newCodecError("cursor placeholder", err)
		}
		return op, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownOperationVariant, tag)
	}
}

func (c *Codec) writeClockUpdate(buf *bytes.Buffer, u *ClockUpdate) error {
	if err := encoding.WriteUint64(buf, u.NextTS); err != nil {
		return err
	}
	if err := encoding.WriteUint32(buf, uint32(len(u.Entries))); err != nil {
		return err
	}
	for _, e := range u.Entries {
		if err := encoding.WriteBool(buf, e.Announce); err != nil {
			return err
		}
		if e.Announce {
			if err := encoding.WriteRaw(buf, e.Peer[:]); err != nil {
				return err
			}
		}
		if err := encoding.WriteUint64(buf, e.PeerIndex); err != nil {
			return err
		}
		if err := encoding.WriteUint64(buf, e.LastSeqNo); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) readClockUpdate(reader *bytes.Reader, sender PeerID) (*ClockUpdate, error) {
	u := &ClockUpdate{}
	var err error
	if u.NextTS, err = encoding.ReadUint64(reader); err != nil {
		return nil, newCodecError("clock nextTS", err)
	}
	count, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("clock entry count", err)
	}
	for i := uint32(0); i < count; i++ {
		e := ClockEntry{}
		if e.Announce, err = encoding.ReadBool(reader); err != nil {
			return nil, newCodecError("clock entry flag", err)
		}
		if e.Announce {
			var raw [PeerIDSize]byte
			if err := encoding.ReadRaw(reader, raw[:]); err != nil {
				return nil, newCodecError("clock entry peer id", err)
			}
			e.Peer = PeerID(raw)
		}
		if e.PeerIndex, err = encoding.ReadUint64(reader); err != nil {
			return nil, newCodecError("clock entry index", err)
		}
		if e.LastSeqNo, err = encoding.ReadUint64(reader); err != nil {
			return nil, newCodecError("clock entry seq", err)
		}
		// Mappings take effect now so later operations in this message can
		// reference the index.
		if e.Announce {
			if err := c.matrix.RegisterMapping(sender, &e.Peer, e.PeerIndex); err != nil {
				return nil, err
			}
		} else {
			if e.Peer, err = c.matrix.RemoteIndexToPeerID(sender, e.PeerIndex); err != nil {
				return nil, err
			}
		}
		u.Entries = append(u.Entries, e)
	}
	return u, nil
}

func (c *Codec) writeSchemaUpdate(buf *bytes.Buffer, s *SchemaUpdate) error {
	if err := c.writeItemID(buf, s.ID); err != nil {
		return err
	}
	if err := encoding.WriteString(buf, s.Name); err != nil {
		return err
	}
	if err := encoding.WriteUint32(buf, uint32(len(s.Fields))); err != nil {
		return err
	}
	for _, f := range s.Fields {
		if err := encoding.WriteString(buf, f.Name); err != nil {
			return err
		}
		if err := buf.WriteByte(byte(f.Kind)); err != nil {
			return err
		}
		if err := c.writeItemID(buf, f.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) readSchemaUpdate(reader *bytes.Reader, sender PeerID) (*SchemaUpdate, error) {
	s := &SchemaUpdate{}
	var err error
	if s.ID, err = c.readItemID(reader, sender); err != nil {
		return nil, newCodecError("schema update id", err)
	}
	if s.Name, err = encoding.ReadString(reader); err != nil {
		return nil, newCodecError("schema name", err)
	}
	count, err := encoding.ReadUint32(reader)
	if err != nil {
		return nil, newCodecError("schema field count", err)
	}
	for i := uint32(0); i < count; i++ {
		f := SchemaField{}
		if f.Name, err = encoding.ReadString(reader); err != nil {
			return nil, newCodecError("schema field name", err)
		}
		kind, err := reader.ReadByte()
		if err != nil {
			return nil, newCodecError("schema field kind", err)
		}
		f.Kind = CollectionKind(kind)
		if f.ID, err = c.readItemID(reader, sender); err != nil {
			return nil, newCodecError("schema field id", err)
		}
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

// writeItemID encodes an item ID as (logicalTS, peerIndex). The zero ID is
// encoded with logicalTS 0 and needs no index translation.
func (c *Codec) writeItemID(buf *bytes.Buffer, id ItemID) error {
	if err := encoding.WriteUint64(buf, id.LogicalTS); err != nil {
		return err
	}
	if id.IsZero() {
		return encoding.WriteUint64(buf, 0)
	}
	return encoding.WriteUint64(buf, c.matrix.PeerIDToIndex(id.Peer))
}

func (c *Codec) readItemID(reader *bytes.Reader, sender PeerID) (ItemID, error) {
	ts, err := encoding.ReadUint64(reader)
	if err != nil {
		return ItemID{}, err
	}
	idx, err := encoding.ReadUint64(reader)
	if err != nil {
		return ItemID{}, err
	}
	if ts == 0 {
		return ItemID{}, nil
	}
	peer, err := c.matrix.RemoteIndexToPeerID(sender, idx)
	if err != nil {
		return ItemID{}, err
	}
	return ItemID{LogicalTS: ts, Peer: peer}, nil
}
