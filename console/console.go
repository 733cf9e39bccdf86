// Package console implements the byte-stream device backing the
// sys_read/sys_write file descriptor 0/1 pair: a plain growable byte
// queue, since this kernel has no demand-paged backing store to lazily
// attach and nothing bounds console output.
package console

import "sync"

// Console is a single-reader/single-writer byte device: writes append,
// reads drain from the front. It never reports "full".
type Console struct {
	mu  sync.Mutex
	buf []byte
}

// New returns an empty console.
func New() *Console {
	return &Console{}
}

// Write appends data to the console's output queue (sys_write on fd 1),
// returning the number of bytes accepted, always len(data).
func (c *Console) Write(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, data...)
	return len(data)
}

// Read drains up to len(dst) bytes from the front of the queue
// (sys_read on fd 0), returning the number of bytes copied. It never
// blocks: an empty queue yields zero bytes read, since there is no
// notion of a task blocked waiting on input.
func (c *Console) Read(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(dst, c.buf)
	c.buf = c.buf[n:]
	return n
}

// Len reports how many bytes are currently queued for reading.
func (c *Console) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
