package job

import (
	"bytes"
	"sync"
)

// limitedBuffer keeps at most max bytes of a stream and silently discards
// the rest. Writes never fail so the subprocess is not blocked by a full
// pipe. A non-positive max keeps everything.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.max > 0 {
		remaining := b.max - b.buf.Len()
		if remaining <= 0 {
			return n, nil
		}
		if len(p) > remaining {
			p = p[:remaining]
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
