package audio

import "sync"

// FrameBuffer adapts the chunk size emitted by one leg to the chunk size
// expected by the other. Incoming byte chunks are appended in arrival order;
// DrainFrames slices off complete fixed-size frames from the front, leaving
// any partial tail buffered for the next write.
//
// Safe for concurrent use, though each relay direction owns its own buffer.
type FrameBuffer struct {
	mu  sync.Mutex
	buf []byte
}

// NewFrameBuffer returns an empty frame buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// Write appends a chunk to the buffer. No-op for an empty chunk.
func (b *FrameBuffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, chunk...)
	b.mu.Unlock()
}

// DrainFrames removes and returns every complete frame of exactly frameSize
// bytes from the front of the buffer, in arrival order. A trailing partial
// frame stays buffered. Returns nil when no complete frame is available.
func (b *FrameBuffer) DrainFrames(frameSize int) [][]byte {
	if frameSize <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.buf) / frameSize
	if n == 0 {
		return nil
	}
	frames := make([][]byte, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, frameSize)
		copy(frame, b.buf[i*frameSize:(i+1)*frameSize])
		frames[i] = frame
	}
	rest := len(b.buf) - n*frameSize
	copy(b.buf, b.buf[n*frameSize:])
	b.buf = b.buf[:rest]
	return frames
}

// Flush discards and returns whatever partial tail remains. Called at
// session teardown; losing a sub-frame tail is accepted boundary behavior,
// not an error.
func (b *FrameBuffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	tail := b.buf
	b.buf = nil
	return tail
}

// Len returns the number of buffered bytes.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
