package executor

import (
	"io"
	"sync"
	"time"
)

const (
	maxLineBuffer = 4 * 1024
	idleFlush     = 200 * time.Millisecond
)

// lineBuffer accumulates bytes from a stream and forwards them to sink
// either on a newline, when the buffer reaches maxLineBuffer, or after
// idleFlush has elapsed since the last byte with nothing flushed — covering
// the "output > 4 KiB without newline flushes on idle" boundary case (§8).
type lineBuffer struct {
	mu     sync.Mutex
	buf    []byte
	stream string
	sink   LineSink
	timer  *time.Timer
	closed bool
}

func newLineBuffer(stream string, sink LineSink) *lineBuffer {
	lb := &lineBuffer{stream: stream, sink: sink}
	return lb
}

// Write implements io.Writer so it can be handed directly to exec.Cmd's
// Stdout/Stderr.
func (lb *lineBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, b := range p {
		lb.buf = append(lb.buf, b)
		if b == '\n' || len(lb.buf) >= maxLineBuffer {
			lb.flushLocked()
			continue
		}
	}
	lb.resetTimerLocked()
	return len(p), nil
}

func (lb *lineBuffer) resetTimerLocked() {
	if lb.timer != nil {
		lb.timer.Stop()
	}
	if len(lb.buf) == 0 || lb.closed {
		return
	}
	lb.timer = time.AfterFunc(idleFlush, lb.flushOnIdle)
}

func (lb *lineBuffer) flushOnIdle() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return
	}
	lb.flushLocked()
}

func (lb *lineBuffer) flushLocked() {
	if len(lb.buf) == 0 {
		return
	}
	line := string(lb.buf)
	lb.buf = lb.buf[:0]
	if lb.sink != nil {
		lb.sink(lb.stream, line)
	}
}

// Close flushes any remaining buffered bytes and stops the idle timer.
func (lb *lineBuffer) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.timer != nil {
		lb.timer.Stop()
	}
	lb.flushLocked()
	lb.closed = true
	return nil
}

var _ io.WriteCloser = (*lineBuffer)(nil)
