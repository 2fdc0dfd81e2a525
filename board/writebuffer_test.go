package board

import "testing"

// TestWriteBufferReadbackDeltaDiscipline verifies §8 property 9: a
// WriteBuffer after N writes (N <= limit) followed by Readback returns a
// Delta of exactly those changes in order; the next Readback returns a
// small Delta of subsequent changes, or a Full snapshot once the log has
// overflowed limit.
func TestWriteBufferReadbackDeltaDiscipline(t *testing.T) {
	w := NewWriteBuffer(16, 4)

	// First readback (nothing written yet) should be a Delta of nothing,
	// since ArmLog installed an empty log at construction.
	rb := w.Readback()
	if !rb.IsDelta || len(rb.Delta) != 0 {
		t.Fatalf("expected empty initial delta, got %+v", rb)
	}

	w.Write(0, 1)
	w.Write(1, 2)
	w.Write(2, 3)

	rb = w.Readback()
	if !rb.IsDelta {
		t.Fatalf("expected Delta, got Full")
	}
	want := []PositionedByte{{Pos: 0, Value: 1}, {Pos: 1, Value: 2}, {Pos: 2, Value: 3}}
	if len(rb.Delta) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(rb.Delta))
	}
	for i, c := range want {
		if rb.Delta[i] != c {
			t.Errorf("change %d: want %+v, got %+v", i, c, rb.Delta[i])
		}
	}

	// A second small write should still produce a Delta.
	w.Write(5, 9)
	rb = w.Readback()
	if !rb.IsDelta || len(rb.Delta) != 1 || rb.Delta[0] != (PositionedByte{Pos: 5, Value: 9}) {
		t.Fatalf("expected single-entry delta, got %+v", rb)
	}

	// Overflow the limit (4 entries): the log drops to nil and the next
	// Readback must be a Full snapshot equal to the current buffer.
	w.Write(0, 10)
	w.Write(1, 11)
	w.Write(2, 12)
	w.Write(3, 13)
	w.Write(4, 14) // this write pushes the log past limit=4

	rb = w.Readback()
	if rb.IsDelta {
		t.Fatalf("expected Full snapshot after overflow, got Delta")
	}
	if len(rb.Full) != w.Len() {
		t.Fatalf("full snapshot length mismatch: %d vs %d", len(rb.Full), w.Len())
	}
	for i, b := range rb.Full {
		if b != w.Read(uint64(i)) {
			t.Fatalf("full snapshot byte %d mismatch: %d vs %d", i, b, w.Read(uint64(i)))
		}
	}
}

func TestWriteBufferU32(t *testing.T) {
	w := NewWriteBuffer(8, 64)
	w.WriteU32(0, 0x01020304)
	if got := w.ReadU32(0); got != 0x01020304 {
		t.Fatalf("got %x", got)
	}
	rb := w.Readback()
	if len(rb.Delta) != 4 {
		t.Fatalf("expected 4 byte-changes for one u32 write, got %d", len(rb.Delta))
	}
}
