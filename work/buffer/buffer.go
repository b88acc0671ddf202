package buffer

import (
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of byte buffers used for the relay copy
// loop, built on valyala/bytebufferpool so chunk buffers are reused instead
// of allocated per read.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool handing out buffers with at least the given
// capacity. The pool is ready for use immediately.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, growing it to the configured
// capacity when the pooled one is smaller.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// LineRing keeps the last N lines written to it. It backs the stderr capture
// of supervised external processes so failure diagnostics can be logged
// without buffering unbounded output.
type LineRing struct {
	mu    sync.Mutex
	lines []string
	head  int
	count int
}

// NewLineRing creates a ring holding at most size lines.
func NewLineRing(size int) *LineRing {
	if size <= 0 {
		size = 1
	}
	return &LineRing{
		lines: make([]string, size),
	}
}

// Append records one line, evicting the oldest when full.
func (lr *LineRing) Append(line string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	lr.lines[lr.head] = line
	lr.head = (lr.head + 1) % len(lr.lines)
	if lr.count < len(lr.lines) {
		lr.count++
	}
}

// Lines returns the retained lines in write order.
func (lr *LineRing) Lines() []string {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	out := make([]string, 0, lr.count)
	start := (lr.head - lr.count + len(lr.lines)) % len(lr.lines)
	for i := 0; i < lr.count; i++ {
		out = append(out, lr.lines[(start+i)%len(lr.lines)])
	}
	return out
}

// Tail returns the retained lines joined with newlines, for log output.
func (lr *LineRing) Tail() string {
	return strings.Join(lr.Lines(), "\n")
}
