package net

// MessageBuffer 收发缓冲区.
//
// A fixed-capacity byte array with independent read and write cursors. The
// active region is [ReadPos, WritePos). A buffer has exactly one owner at a time
// and is not safe for concurrent use.
type MessageBuffer struct {
	buf  []byte
	rpos int
	wpos int
}

// NewMessageBuffer allocates a buffer with the given capacity.
func NewMessageBuffer(size int) *MessageBuffer {
	if size < 0 {
		size = 0
	}
	return &MessageBuffer{buf: make([]byte, size)}
}

// Capacity is the size of the underlying array.
func (b *MessageBuffer) Capacity() int { return len(b.buf) }

// ReadPos 读游标.
func (b *MessageBuffer) ReadPos() int { return b.rpos }

// WritePos 写游标.
func (b *MessageBuffer) WritePos() int { return b.wpos }

// ActiveSize is the number of written but unread bytes.
func (b *MessageBuffer) ActiveSize() int { return b.wpos - b.rpos }

// RemainingSpace is the number of bytes that can still be written.
func (b *MessageBuffer) RemainingSpace() int { return len(b.buf) - b.wpos }

// Bytes returns the active region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *MessageBuffer) Bytes() []byte { return b.buf[b.rpos:b.wpos] }

// FreeBytes returns the writable tail; call WriteCompleted after filling it.
func (b *MessageBuffer) FreeBytes() []byte { return b.buf[b.wpos:] }

// ReadCompleted advances the read cursor by n.
func (b *MessageBuffer) ReadCompleted(n int) {
	b.rpos += n
	if b.rpos > b.wpos {
		b.rpos = b.wpos
	}
}

// WriteCompleted advances the write cursor by n.
func (b *MessageBuffer) WriteCompleted(n int) {
	b.wpos += n
	if b.wpos > len(b.buf) {
		b.wpos = len(b.buf)
	}
}

// Write appends p. It is a no-op when p does not fit in the remaining space;
// callers grow the buffer with EnsureFreeSpace first.
func (b *MessageBuffer) Write(p []byte) {
	if len(p) == 0 || len(p) > b.RemainingSpace() {
		return
	}
	copy(b.buf[b.wpos:], p)
	b.wpos += len(p)
}

// EnsureFreeSpace grows the capacity by half, keeping the cursors and content.
func (b *MessageBuffer) EnsureFreeSpace() {
	n := len(b.buf) * 3 / 2
	if n <= len(b.buf) {
		n = len(b.buf) + 1
	}
	grown := make([]byte, n)
	copy(grown, b.buf[:b.wpos])
	b.buf = grown
}

// Grow calls EnsureFreeSpace until the capacity is at least n.
func (b *MessageBuffer) Grow(n int) {
	for len(b.buf) < n {
		b.EnsureFreeSpace()
	}
}

// Normalize moves the unread bytes to offset 0.
func (b *MessageBuffer) Normalize() {
	if b.rpos == 0 {
		return
	}
	if b.rpos != b.wpos {
		copy(b.buf, b.buf[b.rpos:b.wpos])
	}
	b.wpos -= b.rpos
	b.rpos = 0
}

// Reset zeroes both cursors.
func (b *MessageBuffer) Reset() {
	b.rpos = 0
	b.wpos = 0
}
