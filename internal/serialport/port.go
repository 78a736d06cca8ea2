// Package serialport provides the serial link abstraction shared by the
// drive controller and the range sensor reader. It wraps go.bug.st/serial
// behind a small interface so that every driver can be exercised in tests
// without real hardware on the bus.
package serialport

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with a read timeout. Real ports implement it;
// drivers fall back to blocking reads when the port does not.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}

// FlushPorter extends Porter with input-buffer flushing, used by the drive
// controller to discard bytes buffered across the device reset window.
type FlushPorter interface {
	Porter
	ResetInputBuffer() error
}

// Opener is a function type for opening serial ports. Injecting it lets the
// drivers swap a real port for a TestPort.
type Opener func(path string, opts Options) (Porter, error)
