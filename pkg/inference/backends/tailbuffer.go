package backends

import "sync"

// tailBuffer keeps the last capacity bytes written to it. Worker stdout
// and stderr tee through one so crash reports can carry the final output
// without retaining the whole log.
type tailBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	wrapped bool
	pos     int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, capacity), cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.cap {
		copy(t.buf, p[n-t.cap:])
		t.pos = 0
		t.wrapped = true
		return n, nil
	}
	written := copy(t.buf[t.pos:], p)
	if written < n {
		copy(t.buf, p[written:])
		t.wrapped = true
	}
	t.pos = (t.pos + n) % t.cap
	if t.pos == 0 && n > 0 {
		t.wrapped = true
	}
	return n, nil
}

// String returns the buffered tail in write order.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.wrapped {
		return string(t.buf[:t.pos])
	}
	out := make([]byte, 0, t.cap)
	out = append(out, t.buf[t.pos:]...)
	out = append(out, t.buf[:t.pos]...)
	return string(out)
}
