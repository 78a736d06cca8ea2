package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestPort operations after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestPort implements Porter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// ShortWrite truncates the next Write to half its length without error
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// WriteCalls records the number of Write calls
	WriteCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// Flushed records ResetInputBuffer calls
	Flushed int

	// OnWrite, if set, runs after each successful Write with the written
	// bytes. It is invoked outside the port lock so it may call AddReadData
	// to model request/response devices.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestPort creates a new TestPort.
func NewTestPort() *TestPort {
	tp := &TestPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tp.readCond = sync.NewCond(&tp.mu)
	return tp
}

// Read reads from the read buffer, optionally blocking until data arrives.
func (t *TestPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, ErrPortClosed
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating errors.
func (t *TestPort) Write(p []byte) (int, error) {
	t.mu.Lock()

	t.WriteCalls++

	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}

	if t.ShortWrite {
		t.ShortWrite = false
		n := len(p) / 2
		t.WriteBuffer.Write(p[:n])
		t.mu.Unlock()
		return n, nil
	}

	n, err := t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, err
}

// Close marks the port as closed and wakes any blocked readers.
func (t *TestPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// SetReadTimeout implements TimeoutPorter.
func (t *TestPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// ResetInputBuffer implements FlushPorter.
func (t *TestPort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Flushed++
	t.ReadBuffer.Reset()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// WrittenData returns all data written to the port.
func (t *TestPort) WrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// Opener returns an Opener that always yields this port. Handy for wiring a
// TestPort into a driver under test.
func (t *TestPort) Opener() Opener {
	return func(string, Options) (Porter, error) {
		return t, nil
	}
}
