package board

import "encoding/binary"

// change records one byte mutation at pos, used to build an incremental
// Delta readback.
type change struct {
	pos   uint64
	value byte
}

// Readback is the result of WriteBuffer.Readback(): either a Delta of the
// changes recorded since the previous readback, or a Full snapshot when the
// change log overflowed buffered_readback_limit (§4.2).
type Readback struct {
	Full    []byte
	Delta   []PositionedByte
	IsDelta bool
}

// PositionedByte is one byte change at a position, the unit a Delta is made
// of.
type PositionedByte struct {
	Pos   uint64
	Value byte
}

// WriteBuffer wraps a mutable byte buffer together with an optional
// "recent changes" log used to send deltas instead of full buffers to
// subscribers that already hold a snapshot (§4.2).
//
// The log is bounded by limit: once it would grow past limit entries, it is
// dropped to nil and the next Readback reverts to a Full snapshot — this is
// what keeps a slow reader from unbounding memory, mirroring the teacher's
// delta-vs-compression tradeoff in storage-enum.go's proposeCompression.
type WriteBuffer struct {
	data  []byte
	log   []change // nil means "no log installed" (next readback is Full)
	limit int
}

// NewWriteBuffer allocates a zero-filled buffer of n bytes with readback
// logging bounded to limit entries.
func NewWriteBuffer(n int, limit int) *WriteBuffer {
	w := &WriteBuffer{data: make([]byte, n), limit: limit}
	w.ArmLog() // starts with an empty log, so the first Readback is a Delta
	return w
}

// Len returns the number of bytes in the buffer.
func (w *WriteBuffer) Len() int { return len(w.data) }

// Bytes returns the underlying buffer. Callers must not retain it across a
// write without copying.
func (w *WriteBuffer) Bytes() []byte { return w.data }

// Write sets data[pos] = b and appends to the change log if one is
// installed and not yet over limit.
func (w *WriteBuffer) Write(pos uint64, b byte) {
	w.data[pos] = b
	w.record(pos, b)
}

// WriteU32 writes a little-endian uint32 at byte offset pos (4 bytes) and
// records it as four byte-changes, per §4.2 ("a u32 write appends four
// byte-changes").
func (w *WriteBuffer) WriteU32(pos uint64, value uint32) {
	binary.LittleEndian.PutUint32(w.data[pos:pos+4], value)
	for i := uint64(0); i < 4; i++ {
		w.record(pos+i, w.data[pos+i])
	}
}

// Read returns the byte at pos.
func (w *WriteBuffer) Read(pos uint64) byte { return w.data[pos] }

// ReadU32 reads a little-endian uint32 at byte offset pos.
func (w *WriteBuffer) ReadU32(pos uint64) uint32 {
	return binary.LittleEndian.Uint32(w.data[pos : pos+4])
}

func (w *WriteBuffer) record(pos uint64, b byte) {
	if w.log == nil {
		return
	}
	if len(w.log) >= w.limit {
		w.log = nil
		return
	}
	w.log = append(w.log, change{pos: pos, value: b})
}

// ArmLog installs an empty change log so the next Readback returns a Delta
// of whatever is written between now and then, instead of a Full snapshot.
// NewWriteBuffer calls it at construction, so a new buffer's first Readback
// is a Delta; Readback calls it after returning a Full snapshot.
func (w *WriteBuffer) ArmLog() {
	w.log = make([]change, 0, w.limit)
}

// Readback atomically takes whatever has accumulated since the previous
// call: if a log is installed, it is swapped out and returned as a Delta
// (the log is immediately re-armed to an empty slice); if no log is
// installed (nil, because it was never armed or because it previously
// overflowed), a Full snapshot is returned and a fresh empty log is armed
// for next time.
func (w *WriteBuffer) Readback() Readback {
	if w.log == nil {
		snapshot := make([]byte, len(w.data))
		copy(snapshot, w.data)
		w.ArmLog()
		return Readback{Full: snapshot}
	}
	changes := w.log
	w.log = make([]change, 0, w.limit)
	out := make([]PositionedByte, len(changes))
	for i, c := range changes {
		out[i] = PositionedByte{Pos: c.pos, Value: c.value}
	}
	return Readback{Delta: out, IsDelta: true}
}
