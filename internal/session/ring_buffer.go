package session

import (
	"sync"
)

// defaultOutputBufferSize is the default pending-output buffer size (256 KB).
const defaultOutputBufferSize = 256 * 1024

// OutputBuffer is a thread-safe bounded byte buffer holding shell output that
// has not yet been delivered to a client. When the buffer exceeds maxLen the
// oldest data is dropped from the front, so a detached or slow client costs
// bounded memory.
type OutputBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	dropped uint64
	closed  bool
	notify  chan struct{} // signaled (non-blocking) when new data arrives
}

// NewOutputBuffer creates a buffer with the given maximum size.
// If maxLen <= 0, defaultOutputBufferSize is used.
func NewOutputBuffer(maxLen int) *OutputBuffer {
	if maxLen <= 0 {
		maxLen = defaultOutputBufferSize
	}
	return &OutputBuffer{
		maxLen: maxLen,
		notify: make(chan struct{}, 1),
	}
}

// Write appends data, trimming the oldest bytes once the total exceeds
// maxLen, and wakes any waiting reader.
func (b *OutputBuffer) Write(p []byte) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.maxLen; over > 0 {
		b.data = b.data[over:]
		b.dropped += uint64(over)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the buffered contents.
func (b *OutputBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current buffer length.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dropped returns the total number of bytes discarded due to overflow.
func (b *OutputBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close marks the buffer closed and wakes readers.
func (b *OutputBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// IsClosed reports whether the buffer has been closed.
func (b *OutputBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Notify returns the channel signaled when new data is available.
func (b *OutputBuffer) Notify() <-chan struct{} {
	return b.notify
}
