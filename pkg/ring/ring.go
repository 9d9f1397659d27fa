// Package ring implements the fixed-capacity transmit ring buffer described
// in spec.md §4.4, grounded on the device reactor's TransmissionBuffer
// (original_source/device/theseus-device/src/reactor/txbuf.rs): a circular
// byte FIFO with atomic bulk pushes and checkpoint/restore for rolling back
// a partially-written frame without leaking stale bytes into the next
// encode.
package ring

// Buffer is a fixed-capacity circular FIFO of bytes.
type Buffer struct {
	storage []byte
	begin   int
	end     int
	length  int
}

// New allocates a Buffer backed by a slice of the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{storage: make([]byte, capacity)}
}

// Checkpoint captures the buffer's cursors so a subsequent Restore can roll
// back any writes made since.
type Checkpoint struct {
	begin  int
	end    int
	length int
}

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int { return b.length }

// Cap returns the buffer's total capacity.
func (b *Buffer) Cap() int { return len(b.storage) }

// IsEmpty reports whether the buffer holds no bytes.
func (b *Buffer) IsEmpty() bool { return b.length == 0 }

// RemainingSpace reports how many more bytes can be pushed before the
// buffer is full.
func (b *Buffer) RemainingSpace() int { return len(b.storage) - b.length }

func (b *Buffer) wrappedAdd(a, n int) int {
	return (a + n) % len(b.storage)
}

// pushByteAtUnchecked writes byte at offset and returns the next offset,
// without touching begin/end/length.
func (b *Buffer) pushByteAtUnchecked(offset int, by byte) int {
	b.storage[offset] = by
	return b.wrappedAdd(offset, 1)
}

func (b *Buffer) writeBytesAtUnchecked(offset int, bytes []byte) int {
	cursor := offset
	for _, by := range bytes {
		cursor = b.pushByteAtUnchecked(cursor, by)
	}
	return cursor
}

// PushByte appends one byte, returning false if the buffer is full.
func (b *Buffer) PushByte(by byte) bool {
	if b.length == len(b.storage) {
		return false
	}
	b.end = b.pushByteAtUnchecked(b.end, by)
	b.length++
	return true
}

// ExtendFromSlice appends src atomically: either every byte is written, or
// (if src would overflow capacity) none are.
func (b *Buffer) ExtendFromSlice(src []byte) bool {
	if len(src) > b.RemainingSpace() {
		return false
	}
	for _, by := range src {
		b.PushByte(by)
	}
	return true
}

// FrontByte returns the oldest byte in the buffer without removing it, so a
// caller that can't guarantee a write will succeed (e.g. a transport whose
// WriteByte can decline) can look before committing to ShiftByte.
func (b *Buffer) FrontByte() (byte, bool) {
	if b.length == 0 {
		return 0, false
	}
	return b.storage[b.begin], true
}

// ShiftByte removes and returns the oldest byte in the buffer. The second
// return value is false if the buffer is empty. The released storage slot
// is zeroed immediately so a later checkpoint restore never resurrects
// stale bytes.
func (b *Buffer) ShiftByte() (byte, bool) {
	if b.length == 0 {
		return 0, false
	}
	by := b.storage[b.begin]
	b.storage[b.begin] = 0
	b.begin = b.wrappedAdd(b.begin, 1)
	b.length--
	return by, true
}

// Checkpoint snapshots the current cursors.
func (b *Buffer) Checkpoint() Checkpoint {
	return Checkpoint{begin: b.begin, end: b.end, length: b.length}
}

// bytesSinceCheckpoint returns how many bytes have been appended (via end)
// since cp was taken.
func (b *Buffer) bytesSinceCheckpoint(cp Checkpoint) int {
	if b.end == cp.end && b.length > cp.length {
		// A whole capacity's worth was appended and end wrapped onto cp.end.
		return len(b.storage)
	}
	if b.end < cp.end {
		return (len(b.storage) - cp.end) + b.end
	}
	return b.end - cp.end
}

// Restore rolls the buffer back to a previous checkpoint, scrubbing any
// bytes written after it so they cannot pollute a later encode's CRC or be
// mistaken for live data.
func (b *Buffer) Restore(cp Checkpoint) {
	n := b.bytesSinceCheckpoint(cp)
	zeros := make([]byte, n)
	b.writeBytesAtUnchecked(cp.end, zeros)
	b.begin = cp.begin
	b.end = cp.end
	b.length = cp.length
}

// Clear empties the buffer and zeroes the backing storage.
func (b *Buffer) Clear() {
	for i := range b.storage {
		b.storage[i] = 0
	}
	b.begin = 0
	b.end = 0
	b.length = 0
}
