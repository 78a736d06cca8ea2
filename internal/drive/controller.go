// Package drive speaks the single-byte motor command protocol to the drive
// microcontroller. Exactly one Controller is constructed at startup and
// handed by reference to every consumer; the wire characters below are baked
// into the companion firmware and must not change.
package drive

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/serialport"
)

// Command is one of the logical drive directions.
type Command string

const (
	Forward  Command = "forward"
	Backward Command = "backward"
	Left     Command = "left"
	Right    Command = "right"
	Stop     Command = "stop"
)

// Wire bytes understood by the drive firmware.
var wireBytes = map[Command]byte{
	Forward:  'F',
	Backward: 'B',
	Left:     'L',
	Right:    'R',
	Stop:     'S',
}

// handshakeByte elicits a best-effort diagnostic line from the firmware. It
// is not required for command execution, only to confirm liveness.
const handshakeByte = 'T'

// resetWindow is how long the microcontroller takes to come out of its
// power-on reset after the serial port toggles DTR. Variable so tests can
// shorten it.
var resetWindow = 2 * time.Second

// handshakeTimeout bounds the read of the diagnostic reply.
const handshakeTimeout = time.Second

var (
	// ErrNotConnected is returned when a command is issued without a live link.
	ErrNotConnected = errors.New("drive: not connected")
	// ErrUnknownCommand is returned for commands outside the wire protocol.
	ErrUnknownCommand = errors.New("drive: unknown command")
)

// Controller owns the motor serial link. One mutex guards every I/O
// operation so no two goroutines can interleave bytes on the wire.
type Controller struct {
	opener serialport.Opener

	mu        sync.Mutex
	port      serialport.Porter
	portPath  string
	lastError string
}

// New returns a disconnected Controller. Pass nil to use the real serial
// opener.
func New(opener serialport.Opener) *Controller {
	if opener == nil {
		opener = serialport.Open
	}
	return &Controller{opener: opener}
}

// Connect opens the serial link, waits out the device reset window, flushes
// stale bytes, and confirms liveness with a handshake. On handshake failure
// the port is closed rather than left half-open.
func (c *Controller) Connect(path string, baud int) error {
	if baud <= 0 {
		return fmt.Errorf("drive: invalid baud rate %d: must be positive", baud)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port != nil {
		return nil // already connected
	}

	port, err := c.opener(path, serialport.Options{BaudRate: baud})
	if err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("drive: open %s: %w", path, err)
	}

	// Opening the port resets the microcontroller; writes inside the reset
	// window are silently dropped by its bootloader.
	time.Sleep(resetWindow)

	if fp, ok := port.(serialport.FlushPorter); ok {
		if err := fp.ResetInputBuffer(); err != nil {
			monitoring.Logf("drive: flush failed: %v", err)
		}
	}

	if err := handshake(port); err != nil {
		port.Close()
		c.lastError = err.Error()
		return fmt.Errorf("drive: handshake on %s: %w", path, err)
	}

	c.port = port
	c.portPath = path
	c.lastError = ""
	monitoring.Logf("drive: connected on %s at %d baud", path, baud)
	return nil
}

// handshake writes the test byte and reads back whatever diagnostic text the
// firmware offers. Any readable reply counts as liveness.
func handshake(port serialport.Porter) error {
	if tp, ok := port.(serialport.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(handshakeTimeout); err != nil {
			return fmt.Errorf("set read timeout: %w", err)
		}
	}

	if _, err := port.Write([]byte{handshakeByte}); err != nil {
		return fmt.Errorf("write test byte: %w", err)
	}

	buf := make([]byte, 64)
	n, err := port.Read(buf)
	if err != nil && err != io.EOF {
		return fmt.Errorf("read reply: %w", err)
	}
	if n == 0 {
		return errors.New("no reply to test byte")
	}
	monitoring.Debugf("drive: handshake reply %q", buf[:n])
	return nil
}

// Connected reports whether a live link exists.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// LastError returns the most recent connection or write failure, if any.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Send writes exactly one wire byte for the given logical command. A write
// failure forces the controller into disconnected state: a single I/O error
// invalidates the whole link rather than risking further writes into a
// broken stream.
func (c *Controller) Send(cmd Command) error {
	wire, ok := wireBytes[cmd]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return ErrNotConnected
	}

	n, err := c.port.Write([]byte{wire})
	if err != nil || n != 1 {
		if err == nil {
			err = errors.New("short write")
		}
		c.lastError = err.Error()
		c.port.Close()
		c.port = nil
		monitoring.Logf("drive: write failed, link dropped: %v", err)
		return fmt.Errorf("drive: send %q: %w", cmd, err)
	}
	return nil
}

// Disconnect best-effort sends a stop byte, then closes the handle
// unconditionally. Safe to call repeatedly.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return
	}

	if _, err := c.port.Write([]byte{wireBytes[Stop]}); err != nil {
		monitoring.Logf("drive: stop byte on disconnect failed: %v", err)
	}
	if err := c.port.Close(); err != nil {
		monitoring.Logf("drive: close failed: %v", err)
	}
	c.port = nil
	monitoring.Logf("drive: disconnected from %s", c.portPath)
}

// ParseCommand maps a request string onto a Command.
func ParseCommand(name string) (Command, error) {
	cmd := Command(name)
	if _, ok := wireBytes[cmd]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}
