package pipeline

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// DefaultHighWaterMark is the buffered byte count above which an Output
// reports that its reader is falling behind.
const DefaultHighWaterMark = 4 << 20

// ErrOutputClosed is returned by Write once the Output has been closed.
var ErrOutputClosed = errors.New("output closed")

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Output is the single ordered byte stream a Pipeline appends chunks to.
// Writes never block; Read blocks until data arrives or the Output is closed.
// Buffered data stays readable after Close.
type Output struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       bytes.Buffer
	highWater int
	closed    bool
	err       error
	drained   chan struct{}
}

// NewOutput returns an open Output. highWater <= 0 selects DefaultHighWaterMark.
func NewOutput(highWater int) *Output {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	o := &Output{highWater: highWater}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Write appends p to the stream.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrOutputClosed
	}
	n, _ := o.buf.Write(p)
	if o.buf.Len() > o.highWater && o.drained == nil {
		o.drained = make(chan struct{})
	}
	o.cond.Broadcast()
	return n, nil
}

// Read reads buffered bytes, blocking while the stream is empty and open.
// After Close it returns io.EOF, or the error passed to CloseWithError, once
// the buffer is exhausted.
func (o *Output) Read(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.buf.Len() == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.buf.Len() == 0 {
		if o.err != nil {
			return 0, o.err
		}
		return 0, io.EOF
	}
	n, _ := o.buf.Read(p)
	o.releaseLocked()
	return n, nil
}

// Buffered returns the number of bytes written but not yet read.
func (o *Output) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

// NeedsDrain reports whether more than the high-water mark is buffered.
func (o *Output) NeedsDrain() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drained != nil
}

// Drained returns a channel that is closed once the buffer is back at or
// below the high-water mark, or the Output is closed.
func (o *Output) Drained() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drained == nil {
		return closedCh
	}
	return o.drained
}

// Close closes the stream. Readers get io.EOF after the remaining data.
func (o *Output) Close() error {
	return o.CloseWithError(nil)
}

// CloseWithError closes the stream; readers get err after the remaining
// data. Only the first close has an effect.
func (o *Output) CloseWithError(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.err = err
	if o.drained != nil {
		close(o.drained)
		o.drained = nil
	}
	o.cond.Broadcast()
	return nil
}

func (o *Output) releaseLocked() {
	if o.drained != nil && o.buf.Len() <= o.highWater {
		close(o.drained)
		o.drained = nil
	}
}
