package ringbuf

import "io"

// New creates a ring buffer holding up to sz elements.
func New[T any](sz int) *Buffer[T] {
	if sz <= 0 {
		sz = 1
	}
	return &Buffer[T]{
		buf: make([]T, sz),
	}
}

// Buffer is a fixed size FIFO. Writes never block or fail: when there is no room,
// the oldest elements are discarded. It is not safe for concurrent use.
type Buffer[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

// Size returns underlying size of the buffer.
func (b *Buffer[T]) Size() int {
	return len(b.buf)
}

// Len returns a number of elements currently in the buffer.
func (b *Buffer[T]) Len() int {
	return b.n
}

// Free returns how many elements can be added without discarding.
func (b *Buffer[T]) Free() int {
	return len(b.buf) - b.n
}

// Reset drops all buffered elements.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.n = 0, 0
}

func (b *Buffer[T]) tail() int {
	return (b.head + b.n) % len(b.buf)
}

// TryPeek returns the oldest element without consuming it.
func (b *Buffer[T]) TryPeek() (T, bool) {
	if b.n == 0 {
		var zero T
		return zero, false
	}
	return b.buf[b.head], true
}

// TryPop returns the oldest element and consumes it. It returns false if the buffer is empty.
func (b *Buffer[T]) TryPop() (T, bool) {
	var zero T
	if b.n == 0 {
		return zero, false
	}
	v := b.buf[b.head]
	b.buf[b.head] = zero
	b.head = (b.head + 1) % len(b.buf)
	b.n--
	return v, true
}

// Pop is TryPop without the flag.
func (b *Buffer[T]) Pop() T {
	v, _ := b.TryPop()
	return v
}

// TryPush adds an element unless the buffer is full.
func (b *Buffer[T]) TryPush(v T) bool {
	if b.n == len(b.buf) {
		return false
	}
	b.buf[b.tail()] = v
	b.n++
	return true
}

// Push adds an element, discarding the oldest one if the buffer is full.
// It reports whether an element was discarded.
func (b *Buffer[T]) Push(v T) (dropped bool) {
	if b.n == len(b.buf) {
		b.TryPop()
		dropped = true
	}
	b.buf[b.tail()] = v
	b.n++
	return dropped
}

// Read consumes up to len(p) elements. It returns io.EOF if the buffer is empty.
func (b *Buffer[T]) Read(p []T) (int, error) {
	if len(p) == 0 {
		return 0, nil
	} else if b.n == 0 {
		return 0, io.EOF
	}
	n := min(len(p), b.n)
	first := min(n, len(b.buf)-b.head)
	copy(p, b.buf[b.head:b.head+first])
	copy(p[first:n], b.buf[:n-first])
	b.head = (b.head + n) % len(b.buf)
	b.n -= n
	if b.n == 0 {
		b.head = 0
	}
	return n, nil
}

// Write appends all of p, discarding the oldest elements when needed. It never fails.
func (b *Buffer[T]) Write(p []T) (int, error) {
	b.Overwrite(p)
	return len(p), nil
}

// Overwrite appends p and returns how many previously buffered or leading elements of p
// were discarded to make room. When p is larger than the buffer, only its tail is kept.
func (b *Buffer[T]) Overwrite(p []T) (dropped int) {
	if len(p) == 0 {
		return 0
	}
	if extra := len(p) - len(b.buf); extra > 0 {
		dropped += extra + b.n
		p = p[extra:]
		b.head, b.n = 0, 0
	}
	if over := b.n + len(p) - len(b.buf); over > 0 {
		b.head = (b.head + over) % len(b.buf)
		b.n -= over
		dropped += over
	}
	t := b.tail()
	dn := copy(b.buf[t:], p)
	copy(b.buf, p[dn:])
	b.n += len(p)
	return dropped
}
