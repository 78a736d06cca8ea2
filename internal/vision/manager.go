// Package vision runs the camera capture loop and serves the latest frame
// to consumers, including an MJPEG byte stream for the HTTP layer.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/parcelworks/sortbot/internal/camera"
	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/state"
)

const (
	// maxConsecutiveFailures stops the capture loop: sustained failure is a
	// hard stop, not an infinite retry.
	maxConsecutiveFailures = 10

	// joinTimeout bounds the wait on the capture loop during StopCapture.
	joinTimeout = 2 * time.Second

	// streamWidth is the downsampled width of MJPEG output frames.
	streamWidth = 640

	// streamInterval caps the MJPEG emission rate.
	streamInterval = 66 * time.Millisecond

	// frameRetryDelay is the wait before re-polling when no frame exists yet.
	frameRetryDelay = 100 * time.Millisecond
)

// Manager owns one camera provider and the capture goroutine feeding the
// latest-frame slot.
type Manager struct {
	provider camera.Provider
	robot    *state.RobotState

	mu      sync.Mutex
	frame   *image.RGBA
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Manager around the given provider. The robot state is updated
// with camera connectivity as the capture loop lives and dies.
func New(provider camera.Provider, robot *state.RobotState) *Manager {
	return &Manager{provider: provider, robot: robot}
}

// StartCapture validates parameters, performs the backend startup handshake,
// and spawns the capture loop. Starting twice is refused.
func (m *Manager) StartCapture(width, height, fps int) error {
	if width <= 0 || height <= 0 || fps <= 0 {
		return fmt.Errorf("vision: invalid capture parameters %dx%d@%d", width, height, fps)
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("vision: capture already running")
	}
	m.running = true
	m.mu.Unlock()

	if err := m.provider.Start(width, height, fps); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("vision: start capture: %w", err)
	}

	m.mu.Lock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.setCameraState(true, true)
	go m.captureLoop(fps, stop, done)
	monitoring.Logf("vision: capture started at %dx%d@%d", width, height, fps)
	return nil
}

// captureLoop pulls frames at the configured rate, storing each success as
// the latest frame. Ten consecutive failures end the loop and downgrade the
// camera state.
func (m *Manager) captureLoop(fps int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, ok := m.provider.Read()
		if !ok {
			failures++
			monitoring.Debugf("vision: frame read failed (%d/%d)", failures, maxConsecutiveFailures)
			if failures >= maxConsecutiveFailures {
				monitoring.Logf("vision: %d consecutive frame failures, stopping capture", failures)
				m.mu.Lock()
				m.running = false
				m.mu.Unlock()
				m.setCameraState(false, false)
				return
			}
			continue
		}

		failures = 0
		m.mu.Lock()
		m.frame = frame
		m.mu.Unlock()
	}
}

// Frame returns a defensive copy of the latest frame, or nil if none has
// arrived yet.
func (m *Manager) Frame() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame == nil {
		return nil
	}
	out := image.NewRGBA(m.frame.Rect)
	copy(out.Pix, m.frame.Pix)
	return out
}

// Running reports whether the capture loop is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// StopCapture signals the loop, joins it with a bounded wait, and stops the
// backend. Idempotent; a timed-out join is logged and abandoned.
func (m *Manager) StopCapture() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		// The backend may still hold hardware after a loop self-stop.
		m.provider.Stop()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(joinTimeout):
		monitoring.Logf("vision: capture loop did not stop within %v, abandoning join", joinTimeout)
	}

	m.provider.Stop()
	m.setCameraState(false, false)
	monitoring.Logf("vision: capture stopped")
}

// setCameraState mirrors connectivity into the shared snapshot.
func (m *Manager) setCameraState(connected, streaming bool) {
	if m.robot == nil {
		return
	}
	m.robot.UpdateVision(state.VisionUpdate{
		CameraConnected: &connected,
		StreamActive:    &streaming,
	})
	if err := m.robot.UpdateStatus(state.StatusUpdate{CameraConnected: &connected}); err != nil {
		monitoring.Logf("vision: status update: %v", err)
	}
}

// StreamMJPEG writes an unbounded multipart MJPEG stream: fetch the latest
// frame (retrying briefly while none exists), downsample, encode, emit one
// chunk, then sleep to cap the rate. It never terminates on its own;
// cancellation is the caller's responsibility via ctx.
func (m *Manager) StreamMJPEG(ctx context.Context, w io.Writer, quality int) error {
	if quality <= 0 || quality > 100 {
		return fmt.Errorf("vision: jpeg quality %d out of range (0,100]", quality)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := m.Frame()
		if frame == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(frameRetryDelay):
			}
			continue
		}

		small := imaging.Resize(frame, streamWidth, 0, imaging.Box)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
			monitoring.Debugf("vision: jpeg encode: %v", err)
			continue
		}

		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", buf.Len()); err != nil {
			return err
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		if f, ok := w.(interface{ Flush() }); ok {
			f.Flush()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamInterval):
		}
	}
}
