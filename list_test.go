package quill

import (
	"math/rand"
	"testing"
)

func id(ts uint64, peer byte) ItemID {
	return ItemID{LogicalTS: ts, Peer: testPeerID(peer)}
}

func TestOrderedListSequentialInsert(t *testing.T) {
	l := NewOrderedList()
	if err := l.Integrate(ItemID{}, id(1, 1), "h"); err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if err := l.Integrate(id(1, 1), id(2, 1), "i"); err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := l.String(); got != "hi" {
		t.Fatalf("document = %q, want %q", got, "hi")
	}
}

func TestOrderedListConcurrentHeadInsert(t *testing.T) {
	// Two peers insert at the head concurrently with equal logical
	// timestamps; the item with the smaller peer ID lands first on both
	// replicas.
	a := NewOrderedList()
	b := NewOrderedList()

	opA := id(1, 1)
	opB := id(1, 2)
	if err := a.Integrate(ItemID{}, opA, "a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Integrate(ItemID{}, opB, "b"); err != nil {
		t.Fatal(err)
	}
	if err := a.Integrate(ItemID{}, opB, "b"); err != nil {
		t.Fatal(err)
	}
	if err := b.Integrate(ItemID{}, opA, "a"); err != nil {
		t.Fatal(err)
	}

	if a.String() != b.String() {
		t.Fatalf("replicas diverged: %q vs %q", a.String(), b.String())
	}
	if a.String() != "ab" {
		t.Fatalf("document = %q, want %q", a.String(), "ab")
	}
}

func TestOrderedListConcurrentInsertDoesNotSplitRun(t *testing.T) {
	// One peer types "xy" as a run; another concurrently inserts at the
	// head. The run must not be split, whatever the delivery order.
	x, y, b := id(1, 1), id(2, 1), id(1, 2)

	first := NewOrderedList()
	for _, step := range []struct {
		ref, id ItemID
		v       string
	}{{ItemID{}, x, "x"}, {x, y, "y"}, {ItemID{}, b, "b"}} {
		if err := first.Integrate(step.ref, step.id, step.v); err != nil {
			t.Fatal(err)
		}
	}

	second := NewOrderedList()
	for _, step := range []struct {
		ref, id ItemID
		v       string
	}{{ItemID{}, b, "b"}, {ItemID{}, x, "x"}, {x, y, "y"}} {
		if err := second.Integrate(step.ref, step.id, step.v); err != nil {
			t.Fatal(err)
		}
	}

	if first.String() != second.String() {
		t.Fatalf("replicas diverged: %q vs %q", first.String(), second.String())
	}
	if got := first.String(); got != "xyb" {
		t.Fatalf("document = %q, want %q", got, "xyb")
	}
}

func TestOrderedListConvergenceUnderRandomDelivery(t *testing.T) {
	// A fixed set of operations from three peers, applied in many random
	// orders that respect each op's reference, must always converge.
	type op struct {
		ref, id ItemID
		v       string
	}
	ops := []op{
		{ItemID{}, id(1, 1), "a"},
		{id(1, 1), id(2, 1), "b"},
		{id(2, 1), id(3, 1), "c"},
		{id(1, 1), id(3, 2), "Z"},
		{ItemID{}, id(1, 3), "q"},
		{id(1, 3), id(4, 3), "r"},
		{id(2, 1), id(5, 2), "W"},
	}

	apply := func(l *OrderedList, order []int) bool {
		done := make([]bool, len(ops))
		remaining := len(ops)
		for remaining > 0 {
			progress := false
			for _, i := range order {
				if done[i] {
					continue
				}
				o := ops[i]
				if !o.ref.IsZero() {
					if _, ok := l.Find(o.ref); !ok {
						continue
					}
				}
				if err := l.Integrate(o.ref, o.id, o.v); err != nil {
					t.Fatalf("integrate: %v", err)
				}
				done[i] = true
				remaining--
				progress = true
			}
			if !progress {
				return false
			}
		}
		return true
	}

	reference := NewOrderedList()
	if !apply(reference, []int{0, 1, 2, 3, 4, 5, 6}) {
		t.Fatal("reference order did not apply")
	}
	want := reference.String()

	rnd := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		order := rnd.Perm(len(ops))
		l := NewOrderedList()
		if !apply(l, order) {
			t.Fatalf("trial %d: deadlocked on order %v", trial, order)
		}
		if got := l.String(); got != want {
			t.Fatalf("trial %d: %q diverged from %q (order %v)", trial, got, want, order)
		}
	}
}

func TestOrderedListDelete(t *testing.T) {
	l := NewOrderedList()
	for i, v := range []string{"a", "b", "c"} {
		ref := ItemID{}
		if i > 0 {
			ref = id(uint64(i), 1)
		}
		if err := l.Integrate(ref, id(uint64(i+1), 1), v); err != nil {
			t.Fatal(err)
		}
	}

	if err := l.Delete(id(2, 1), id(4, 1)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := l.String(); got != "ac" {
		t.Fatalf("document = %q, want %q", got, "ac")
	}
	if l.Len() != 3 {
		t.Fatalf("tombstone was removed: len = %d", l.Len())
	}
	if l.VisibleLen() != 2 {
		t.Fatalf("visible len = %d, want 2", l.VisibleLen())
	}

	// Re-applying the same delete is a no-op.
	if err := l.Delete(id(2, 1), id(4, 1)); err != nil {
		t.Fatalf("idempotent delete: %v", err)
	}
	// A concurrent delete with a later timestamp keeps the earlier tombstone.
	if err := l.Delete(id(2, 1), id(9, 2)); err != nil {
		t.Fatalf("concurrent delete: %v", err)
	}
	pos, ok := l.Find(id(2, 1))
	if !ok {
		t.Fatal("tombstoned item not found")
	}
	if got := l.Item(pos).DeleteTS; got != id(4, 1) {
		t.Fatalf("tombstone = %v, want earliest %v", got, id(4, 1))
	}

	if err := l.Delete(id(99, 1), id(5, 1)); err == nil {
		t.Fatal("expected error deleting unknown item")
	}
}

func TestOrderedListInsertAfterTombstone(t *testing.T) {
	l := NewOrderedList()
	if err := l.Integrate(ItemID{}, id(1, 1), "a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Integrate(id(1, 1), id(2, 1), "b"); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(id(1, 1), id(3, 1)); err != nil {
		t.Fatal(err)
	}
	// Concurrent insert referencing the now-deleted item still lands.
	if err := l.Integrate(id(1, 1), id(3, 2), "Z"); err != nil {
		t.Fatalf("insert against tombstone: %v", err)
	}
	// Z is the newer sibling under the tombstone, so it lands first.
	if got := l.String(); got != "Zb" {
		t.Fatalf("document = %q, want %q", got, "Zb")
	}
}

func TestOrderedListVisibleIndexing(t *testing.T) {
	l := NewOrderedList()
	if err := l.Integrate(ItemID{}, id(1, 1), "a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Integrate(id(1, 1), id(2, 1), "b"); err != nil {
		t.Fatal(err)
	}
	if err := l.Integrate(id(2, 1), id(3, 1), "c"); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(id(2, 1), id(4, 1)); err != nil {
		t.Fatal(err)
	}

	ref, ok := l.VisiblePredecessor(0)
	if !ok || !ref.IsZero() {
		t.Fatalf("predecessor of 0 = %v, want none", ref)
	}
	ref, ok = l.VisiblePredecessor(1)
	if !ok || ref != id(1, 1) {
		t.Fatalf("predecessor of 1 = %v, want %v", ref, id(1, 1))
	}
	if _, ok := l.VisiblePredecessor(3); ok {
		t.Fatal("expected out-of-range predecessor to fail")
	}

	// Cursor parked after the tombstoned item degrades to the nearest
	// surviving position.
	idx, ok := l.VisibleIndexOf(id(2, 1))
	if !ok || idx != 1 {
		t.Fatalf("index after tombstone = %d, want 1", idx)
	}
	idx, ok = l.VisibleIndexOf(id(3, 1))
	if !ok || idx != 2 {
		t.Fatalf("index after c = %d, want 2", idx)
	}
}

func TestCursorMapLWW(t *testing.T) {
	m := NewCursorMap()
	key := testPeerID(1)

	if !m.Put(key, id(1, 1), id(2, 1)) {
		t.Fatal("first write should win")
	}
	if m.Put(key, id(3, 1), id(2, 1)) {
		t.Fatal("equal timestamp must not win")
	}
	if m.Put(key, id(3, 1), id(1, 1)) {
		t.Fatal("older timestamp must not win")
	}
	if !m.Put(key, id(3, 1), id(5, 2)) {
		t.Fatal("newer timestamp should win")
	}
	e, ok := m.Get(key)
	if !ok || e.Value != id(3, 1) || e.UpdateTS != id(5, 2) {
		t.Fatalf("entry = %+v", e)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}
