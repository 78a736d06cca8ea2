// Package rangefinder drives the rotating-beam range sensor: a raw serial
// protocol Reader plus an Adapter that owns its lifecycle and point buffer.
//
// The sensor streams fixed-width 5-byte measurement records after a vendor
// start sequence:
//
//	byte 0: quality<<2 | inverted-start<<1 | start
//	byte 1: angle_q6 low  (bit 0 is a check bit, always 1)
//	byte 2: angle_q6 high
//	byte 3: distance_q2 low
//	byte 4: distance_q2 high
//
// Angle is a little-endian Q6 fixed-point value in degrees, distance a Q2
// value in millimetres. There is no framing; alignment is recovered by
// advancing one byte at a time until a record passes the structural checks.
package rangefinder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/serialport"
	"github.com/parcelworks/sortbot/internal/state"
)

const (
	recordSize = 5

	angleDivisor    = 64.0 // Q6 fixed point, degrees
	distanceDivisor = 4.0  // Q2 fixed point, millimetres

	// Physically plausible bounds used both for structural validation and
	// the resync guarantee.
	maxAngleDeg    = 360.0
	maxDistanceMM  = 12000.0
	readTimeout    = 500 * time.Millisecond
	readErrorLimit = 10
)

// Vendor command sequences that arm and disarm continuous scanning.
var (
	scanStartSeq = []byte{0xA5, 0x20}
	scanStopSeq  = []byte{0xA5, 0x25}
)

// Default auto-detection hints: USB product substrings of the known serial
// bridges, then conventional device paths probed in order.
var (
	DefaultVendorMatches = []string{"cp210", "silicon labs", "rplidar", "usb-serial"}
	DefaultFallbackPaths = []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2", "/dev/ttyAMA0"}
)

// ErrNotConnected is returned when scanning is requested without a port.
var ErrNotConnected = errors.New("rangefinder: not connected")

// Reader owns one serial connection to the sensor and the decode loop.
type Reader struct {
	opener serialport.Opener
	path   string
	baud   int

	ring *pointRing

	mu        sync.Mutex
	port      serialport.Porter
	scanning  bool
	stop      chan struct{}
	done      chan struct{}
	lastError string
}

// NewReader returns a disconnected Reader buffering up to capacity points.
// Pass a nil opener to use the real serial opener.
func NewReader(path string, baud, capacity int, opener serialport.Opener) *Reader {
	if opener == nil {
		opener = serialport.Open
	}
	return &Reader{
		opener: opener,
		path:   path,
		baud:   baud,
		ring:   newPointRing(capacity),
	}
}

// AutoDetect locates the sensor's serial device: enumerated USB devices are
// matched against known vendor substrings, then conventional paths are
// probed with a short open timeout.
func AutoDetect(baud int) (string, error) {
	return serialport.Discover(DefaultVendorMatches, DefaultFallbackPaths, serialport.Options{BaudRate: baud})
}

// Connect opens the port with fixed 8N1 framing. Idempotent.
func (r *Reader) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port != nil {
		return nil
	}

	port, err := r.opener(r.path, serialport.Options{BaudRate: r.baud})
	if err != nil {
		r.lastError = err.Error()
		return fmt.Errorf("rangefinder: open %s: %w", r.path, err)
	}
	if tp, ok := port.(serialport.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			r.lastError = err.Error()
			return fmt.Errorf("rangefinder: set read timeout: %w", err)
		}
	}

	r.port = port
	r.lastError = ""
	monitoring.Logf("rangefinder: connected on %s at %d baud", r.path, r.baud)
	return nil
}

// StartScan arms continuous scanning and launches the reader loop.
func (r *Reader) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return ErrNotConnected
	}
	if r.scanning {
		return nil
	}

	if _, err := r.port.Write(scanStartSeq); err != nil {
		r.lastError = err.Error()
		return fmt.Errorf("rangefinder: arm scan: %w", err)
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.scanning = true
	go r.readLoop(r.port, r.stop, r.done)
	return nil
}

// StopScan disarms scanning and signals the reader loop. It does not wait;
// Done exposes the loop's completion channel for bounded joins.
func (r *Reader) StopScan() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.scanning {
		return
	}
	r.scanning = false

	if r.port != nil {
		if _, err := r.port.Write(scanStopSeq); err != nil {
			monitoring.Logf("rangefinder: disarm scan failed: %v", err)
		}
	}
	close(r.stop)
}

// Done returns the completion channel of the current (or last) reader loop,
// or nil if scanning never started.
func (r *Reader) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Latest drains up to max decoded points without blocking.
func (r *Reader) Latest(max int) []state.RangePoint {
	return r.ring.drain(max)
}

// Buffered reports how many decoded points are waiting.
func (r *Reader) Buffered() int {
	return r.ring.len()
}

// Connected reports whether the port is open.
func (r *Reader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port != nil
}

// Scanning reports whether the reader loop is running.
func (r *Reader) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// LastError returns the most recent connection or stream failure, if any.
func (r *Reader) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Disconnect stops any scan and closes the port. Idempotent.
func (r *Reader) Disconnect() {
	r.StopScan()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.port == nil {
		return
	}
	if err := r.port.Close(); err != nil {
		monitoring.Logf("rangefinder: close failed: %v", err)
	}
	r.port = nil
	monitoring.Logf("rangefinder: disconnected from %s", r.path)
}

// markDropped records a stream failure and releases the port reference so
// status readers see the drop immediately.
func (r *Reader) markDropped(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastError = reason.Error()
	r.scanning = false
	if r.port != nil {
		r.port.Close()
		r.port = nil
	}
}

// readLoop accumulates raw bytes and decodes records until stopped or the
// stream fails persistently. Decode garbage is never surfaced: the parser
// realigns itself one byte at a time.
func (r *Reader) readLoop(port serialport.Porter, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 1024)
	readErrors := 0

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(chunk)
		if err != nil {
			readErrors++
			monitoring.Debugf("rangefinder: read error %d/%d: %v", readErrors, readErrorLimit, err)
			if readErrors >= readErrorLimit {
				monitoring.Logf("rangefinder: stream failed, dropping link: %v", err)
				r.markDropped(err)
				return
			}
			// brief backoff, then retry; a timed-out read lands here too
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n > 0 {
			readErrors = 0
			buf = append(buf, chunk[:n]...)
		}

		var consumed int
		buf, consumed = decodeAll(buf, r.ring)
		if consumed > 0 {
			monitoring.Debugf("rangefinder: decoded %d bytes, %d points buffered", consumed, r.ring.len())
		}
	}
}

// decodeAll decodes every complete record at the head of buf, pushing valid
// points into the ring. Invalid headers advance the buffer by exactly one
// byte so a corrupt stream re-aligns without a delimiter. It returns the
// remaining buffer and the number of bytes consumed.
func decodeAll(buf []byte, ring *pointRing) ([]byte, int) {
	consumed := 0
	for len(buf) >= recordSize {
		if p, ok := decodeRecord(buf[:recordSize]); ok {
			ring.push(p)
			buf = buf[recordSize:]
			consumed += recordSize
		} else {
			buf = buf[1:]
			consumed++
		}
	}
	return buf, consumed
}

// decodeRecord validates and decodes one 5-byte measurement record.
func decodeRecord(rec []byte) (state.RangePoint, bool) {
	start := rec[0] & 0x01
	invStart := (rec[0] >> 1) & 0x01
	if start == invStart {
		return state.RangePoint{}, false
	}
	if rec[1]&0x01 != 1 {
		return state.RangePoint{}, false
	}

	quality := int(rec[0] >> 2)
	angle := float64(uint16(rec[1])>>1|uint16(rec[2])<<7) / angleDivisor
	distance := float64(uint16(rec[3])|uint16(rec[4])<<8) / distanceDivisor

	if angle < 0 || angle >= maxAngleDeg {
		return state.RangePoint{}, false
	}
	if distance <= 0 || distance >= maxDistanceMM {
		return state.RangePoint{}, false
	}

	return state.RangePoint{Angle: angle, Distance: distance, Quality: quality}, true
}
