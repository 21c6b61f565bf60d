package quill

import (
	"errors"
	"reflect"
	"testing"
)

// buildTestMessage returns a message the sender's matrix can encode: a
// clock update announcing the sender and a second peer, followed by
// operations referencing both.
func buildTestMessage(sender, other PeerID) *Message {
	return &Message{
		SchemaID:  ItemID{LogicalTS: 1, Peer: sender},
		Timestamp: 1712000000123,
		Ops: []Op{
			&ClockUpdate{
				NextTS: 4,
				Entries: []ClockEntry{
					{Peer: sender, PeerIndex: 0, LastSeqNo: 0, Announce: true},
					{Peer: other, PeerIndex: 1, LastSeqNo: 2, Announce: true},
				},
			},
			&SchemaUpdate{
				ID:   ItemID{LogicalTS: 1, Peer: sender},
				Name: "text-document",
				Fields: []SchemaField{
					{Name: "characters", Kind: CollectionList, ID: ItemID{LogicalTS: 2, Peer: sender}},
					{Name: "cursors", Kind: CollectionMap, ID: ItemID{LogicalTS: 3, Peer: sender}},
				},
			},
			&InsertOp{Ref: ItemID{}, ID: ItemID{LogicalTS: 4, Peer: sender}, Value: "x"},
			&InsertOp{Ref: ItemID{LogicalTS: 4, Peer: sender}, ID: ItemID{LogicalTS: 5, Peer: sender}, Value: "y"},
			&DeleteOp{Target: ItemID{LogicalTS: 2, Peer: other}, DeleteTS: ItemID{LogicalTS: 6, Peer: sender}},
			&SetCursorOp{Key: sender, Value: ItemID{LogicalTS: 4, Peer: sender}, UpdateTS: ItemID{LogicalTS: 7, Peer: sender}},
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	sender := testPeerID(1)
	other := testPeerID(2)
	receiver := testPeerID(3)

	senderMatrix := NewPeerMatrix(sender)
	senderMatrix.PeerIDToIndex(other)
	enc := NewCodec(senderMatrix)

	msg := buildTestMessage(sender, other)
	wire, err := enc.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewCodec(NewPeerMatrix(receiver))
	got, err := dec.DecodeMessage(sender, wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(msg, got) {
		t.Fatalf("round trip mismatch:\nsent %+v\ngot  %+v", msg, got)
	}
}

func TestCodecDecodeRegistersMappings(t *testing.T) {
	sender := testPeerID(1)
	other := testPeerID(2)

	senderMatrix := NewPeerMatrix(sender)
	senderMatrix.PeerIDToIndex(other)
	wire, err := NewCodec(senderMatrix).EncodeMessage(buildTestMessage(sender, other))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	receiverMatrix := NewPeerMatrix(testPeerID(3))
	if _, err := NewCodec(receiverMatrix).DecodeMessage(sender, wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := receiverMatrix.RemoteIndexToPeerID(sender, 1)
	if err != nil {
		t.Fatalf("mapping not registered: %v", err)
	}
	if got != other {
		t.Fatalf("mapping resolves %v, want %v", got, other)
	}
}

func TestCodecUnknownPeerIndex(t *testing.T) {
	sender := testPeerID(1)
	other := testPeerID(2)

	// Encode an insert referencing another peer without any clock update
	// announcing it.
	senderMatrix := NewPeerMatrix(sender)
	senderMatrix.PeerIDToIndex(other)
	msg := &Message{
		SchemaID: ItemID{LogicalTS: 1, Peer: sender},
		Ops: []Op{
			&InsertOp{Ref: ItemID{LogicalTS: 1, Peer: other}, ID: ItemID{LogicalTS: 2, Peer: sender}, Value: "x"},
		},
	}
	wire, err := NewCodec(senderMatrix).EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewCodec(NewPeerMatrix(testPeerID(3)))
	if _, err := dec.DecodeMessage(sender, wire); !errors.Is(err, ErrUnknownPeerIndex) {
		t.Fatalf("decode error = %v, want ErrUnknownPeerIndex", err)
	}
}

func TestCodecUnknownOperationVariant(t *testing.T) {
	sender := testPeerID(1)
	matrix := NewPeerMatrix(sender)
	msg := &Message{
		SchemaID: ItemID{LogicalTS: 1, Peer: sender},
		Ops: []Op{
			&InsertOp{Ref: ItemID{}, ID: ItemID{LogicalTS: 2, Peer: sender}, Value: "x"},
		},
	}
	wire, err := NewCodec(matrix).EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The first operation tag sits after the schema id (16 bytes), the
	// timestamp (8), and the operation count (4).
	wire[28] = 99
	dec := NewCodec(NewPeerMatrix(testPeerID(2)))
	if _, err := dec.DecodeMessage(sender, wire); !errors.Is(err, ErrUnknownOperationVariant) {
		t.Fatalf("decode error = %v, want ErrUnknownOperationVariant", err)
	}
}

func TestCodecTrailingBytes(t *testing.T) {
	sender := testPeerID(1)
	wire, err := NewCodec(NewPeerMatrix(sender)).EncodeMessage(&Message{
		SchemaID: ItemID{LogicalTS: 1, Peer: sender},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wire = append(wire, 0xFF)
	dec := NewCodec(NewPeerMatrix(testPeerID(2)))
	if _, err := dec.DecodeMessage(sender, wire); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestCodecTruncated(t *testing.T) {
	sender := testPeerID(1)
	senderMatrix := NewPeerMatrix(sender)
	senderMatrix.PeerIDToIndex(testPeerID(2))
	wire, err := NewCodec(senderMatrix).EncodeMessage(buildTestMessage(sender, testPeerID(2)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, cut := range []int{1, 16, 28, len(wire) / 2, len(wire) - 1} {
		dec := NewCodec(NewPeerMatrix(testPeerID(3)))
		if _, err := dec.DecodeMessage(sender, wire[:cut]); err == nil {
			t.Fatalf("expected error decoding %d-byte prefix", cut)
		}
	}
}
