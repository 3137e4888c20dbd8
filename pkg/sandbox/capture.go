package sandbox

import (
	"bytes"
	"sync"
)

// captureSink collects a run's stdout and stderr. Writes may continue from a
// detached worker after the run has returned, so all access is locked.
type captureSink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCaptureSink(limit int) *captureSink {
	return &captureSink{limit: limit}
}

// Write never fails, so a noisy program cannot fault on a full sink.
func (c *captureSink) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

// String returns a snapshot of the captured output.
func (c *captureSink) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *captureSink) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
