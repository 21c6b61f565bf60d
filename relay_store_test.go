package quill

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestHistory(t *testing.T) *ChannelHistory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	h, err := OpenChannelHistory(DefaultChannelHistoryConfig(path))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestChannelHistoryDenseOffsets(t *testing.T) {
	h := openTestHistory(t)
	channel := NewChannelID()
	a := testPeerID(1)
	b := testPeerID(2)

	off, err := h.Append(channel, a, 1, []byte("m1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if off != 0 {
		t.Fatalf("first offset = %d, want 0", off)
	}
	off, err = h.Append(channel, b, 1, []byte("m2"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if off != 1 {
		t.Fatalf("second offset = %d, want 1", off)
	}
	off, err = h.Append(channel, a, 2, []byte("m3"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if off != 2 {
		t.Fatalf("third offset = %d, want 2", off)
	}

	tail, err := h.Tail(channel)
	if err != nil {
		t.Fatal(err)
	}
	if tail != 2 {
		t.Fatalf("tail = %d, want 2", tail)
	}

	// Offsets are per channel.
	other := NewChannelID()
	off, err = h.Append(other, a, 1, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("offset on fresh channel = %d, want 0", off)
	}
}

func TestChannelHistorySeqEnforcement(t *testing.T) {
	h := openTestHistory(t)
	channel := NewChannelID()
	a := testPeerID(1)

	if _, err := h.Append(channel, a, 1, []byte("m1")); err != nil {
		t.Fatal(err)
	}

	// Replay of an already stored sequence number.
	_, err := h.Append(channel, a, 1, []byte("dup"))
	var seqErr *SeqNoError
	if !errors.As(err, &seqErr) {
		t.Fatalf("duplicate error = %v, want *SeqNoError", err)
	}
	if seqErr.LastKnownSeqNo != 1 {
		t.Fatalf("lastKnownSeqNo = %d, want 1", seqErr.LastKnownSeqNo)
	}

	// A gap in the sender's own stream.
	if _, err := h.Append(channel, a, 3, []byte("m3")); !errors.Is(err, ErrOutOfOrderSeqNo) {
		t.Fatalf("gap error = %v, want ErrOutOfOrderSeqNo", err)
	}

	last, err := h.LastSeqNo(channel, a)
	if err != nil {
		t.Fatal(err)
	}
	if last != 1 {
		t.Fatalf("last seq = %d, want 1", last)
	}
}

func TestChannelHistoryRead(t *testing.T) {
	h := openTestHistory(t)
	channel := NewChannelID()
	a := testPeerID(1)

	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := h.Append(channel, a, seq, []byte{byte(seq)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := h.Read(channel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("read %d messages, want 3", len(all))
	}
	for i, m := range all {
		if m.Offset != int64(i) {
			t.Fatalf("message %d has offset %d", i, m.Offset)
		}
		if m.Sender != a {
			t.Fatalf("message %d sender = %v", i, m.Sender)
		}
	}

	tail, err := h.Read(channel, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].SenderSeqNo != 3 {
		t.Fatalf("tail read = %+v", tail)
	}

	// Negative offsets read from the beginning.
	fromStart, err := h.Read(channel, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(fromStart) != 3 {
		t.Fatalf("read from -1 returned %d messages", len(fromStart))
	}
}

func TestChannelHistoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	h, err := OpenChannelHistory(DefaultChannelHistoryConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	channel := NewChannelID()
	if _, err := h.Append(channel, testPeerID(1), 1, []byte("kept")); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenChannelHistory(DefaultChannelHistoryConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()
	msgs, err := reopened.Read(channel, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "kept" {
		t.Fatalf("reopened read = %+v", msgs)
	}
}
