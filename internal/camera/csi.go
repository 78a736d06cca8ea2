package camera

import (
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/parcelworks/sortbot/internal/monitoring"
)

var csiBounds = bounds{
	minWidth: 320, maxWidth: 4608,
	minHeight: 240, maxHeight: 2592,
	minFPS: 1, maxFPS: 56,
}

// CSI capture controls. Everything is supplied in the single start-time
// configuration: this class of hardware does not honour control changes
// reliably once the stream is running.
const (
	csiShutterMicros = "20000" // bounded exposure duration
	csiAnalogGainCap = "8.0"   // capped analogue gain
	csiLoresWidth    = 640     // preview stream
	csiLoresHeight   = 480
)

// csiProvider drives the ribbon camera through a libcamera capture process
// emitting raw planar YUV420 frames on stdout.
type csiProvider struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	width     int
	height    int
	frameSize int
	running   bool
}

func newCSIProvider() *csiProvider {
	return &csiProvider{}
}

func (c *csiProvider) Start(width, height, fps int) error {
	if err := csiBounds.check(width, height, fps); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	bin, err := findCSIBinary()
	if err != nil {
		return fmt.Errorf("camera: csi start: %w", err)
	}

	// One configuration object at start time: capture stream, preview
	// stream, and all controls together.
	cmd := exec.Command(bin,
		"--width", strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--framerate", strconv.Itoa(fps),
		"--timeout", "0",
		"--nopreview",
		"--codec", "yuv420",
		"--lores-width", strconv.Itoa(csiLoresWidth),
		"--lores-height", strconv.Itoa(csiLoresHeight),
		"--autofocus-mode", "continuous",
		"--autofocus-range", "macro",
		"--metering", "spot",
		"--shutter", csiShutterMicros,
		"--gain", csiAnalogGainCap,
		"--output", "-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("camera: csi stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("camera: csi launch %s: %w", bin, err)
	}

	c.cmd = cmd
	c.stdout = stdout
	c.width = width
	c.height = height
	c.frameSize = width * height * 3 / 2 // planar YUV420
	c.running = true
	monitoring.Logf("camera: csi backend streaming via %s at %dx%d@%d", bin, width, height, fps)
	return nil
}

func findCSIBinary() (string, error) {
	for _, bin := range csiBinaries {
		if path, err := lookPath(bin); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no libcamera capture binary found (tried %v)", csiBinaries)
}

// Read pulls one raw frame, validates its size against the expected byte
// count, and converts the planar YUV420 buffer into packed RGBA. A frame
// whose size does not match the stride/alignment expectation is rejected.
func (c *csiProvider) Read() (*image.RGBA, bool) {
	c.mu.Lock()
	stdout := c.stdout
	running := c.running
	width, height, frameSize := c.width, c.height, c.frameSize
	c.mu.Unlock()

	if !running || stdout == nil {
		return nil, false
	}

	buf := make([]byte, frameSize)
	n, err := io.ReadFull(stdout, buf)
	if err != nil {
		monitoring.Debugf("camera: csi read: %v", err)
		return nil, false
	}
	if n != frameSize {
		monitoring.Debugf("camera: csi frame size %d, want %d", n, frameSize)
		return nil, false
	}

	rgba, err := yuv420ToRGBA(buf, width, height)
	if err != nil {
		monitoring.Debugf("camera: csi convert: %v", err)
		return nil, false
	}
	return rgba, true
}

func (c *csiProvider) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		if c.cmd.Process != nil {
			if err := c.cmd.Process.Kill(); err != nil {
				monitoring.Debugf("camera: csi kill: %v", err)
			}
		}
		c.cmd.Wait()
		c.cmd = nil
	}
	if c.stdout != nil {
		c.stdout.Close()
		c.stdout = nil
	}
	c.running = false
}
