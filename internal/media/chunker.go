package media

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

const readBufferSize = 32 * 1024

// chunker slices a byte stream into timed chunks. It accumulates whatever
// the reader yields and hands it to emit once per timeslice. The tail is
// flushed when the reader ends. emit is never called concurrently.
type chunker struct {
	r         io.Reader
	timeslice time.Duration
	emit      func([]byte)

	mu  sync.Mutex
	buf bytes.Buffer
}

// run blocks until r returns EOF or an error and returns that error (nil on EOF).
func (c *chunker) run() error {
	readErr := make(chan error, 1)
	go func() {
		p := make([]byte, readBufferSize)
		for {
			n, err := c.r.Read(p)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(p[:n])
				c.mu.Unlock()
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(c.timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case err := <-readErr:
			c.flush()
			return err
		}
	}
}

func (c *chunker) flush() {
	c.mu.Lock()
	if c.buf.Len() == 0 {
		c.mu.Unlock()
		return
	}
	chunk := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	c.mu.Unlock()

	c.emit(chunk)
}
