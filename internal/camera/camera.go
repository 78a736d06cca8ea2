// Package camera abstracts the robot's imaging device behind a single
// Provider contract with interchangeable backends: a USB webcam driven over
// V4L2 and a CSI ribbon camera driven through the libcamera stack. The
// backend is selected once at startup by a configuration string.
package camera

import (
	"errors"
	"fmt"
	"image"
	"os/exec"
)

// Provider is the hardware-agnostic frame source contract.
//
// Start allocates hardware and must fail loudly on a double start. Read
// pulls one frame and never fails hard on hardware hiccups: it reports
// failure and lets the caller decide. Stop is idempotent and always safe,
// including after a failed Start.
type Provider interface {
	Start(width, height, fps int) error
	Read() (*image.RGBA, bool)
	Stop()
}

// ErrAlreadyRunning is returned by Start while the provider is running.
var ErrAlreadyRunning = errors.New("camera: already running")

// bounds describes one backend's acceptable start parameters.
type bounds struct {
	minWidth, maxWidth   int
	minHeight, maxHeight int
	minFPS, maxFPS       int
}

// check validates parameters before any hardware is touched.
func (b bounds) check(width, height, fps int) error {
	if width < b.minWidth || width > b.maxWidth {
		return fmt.Errorf("camera: width %d out of range [%d,%d]", width, b.minWidth, b.maxWidth)
	}
	if height < b.minHeight || height > b.maxHeight {
		return fmt.Errorf("camera: height %d out of range [%d,%d]", height, b.minHeight, b.maxHeight)
	}
	if fps < b.minFPS || fps > b.maxFPS {
		return fmt.Errorf("camera: fps %d out of range [%d,%d]", fps, b.minFPS, b.maxFPS)
	}
	return nil
}

// csiBinaries are the libcamera capture tools in preference order. Newer
// Raspberry Pi OS ships rpicam-*, older releases libcamera-*.
var csiBinaries = []string{"rpicam-vid", "libcamera-vid"}

// lookPath is swapped out in tests.
var lookPath = exec.LookPath

// New selects a backend by interface string: "usb", "csi", or "auto".
// Auto prefers the CSI stack when a libcamera binary is installed.
func New(kind string) (Provider, error) {
	switch kind {
	case "usb":
		return newUSBProvider(), nil
	case "csi":
		return newCSIProvider(), nil
	case "auto":
		for _, bin := range csiBinaries {
			if _, err := lookPath(bin); err == nil {
				return newCSIProvider(), nil
			}
		}
		return newUSBProvider(), nil
	default:
		return nil, fmt.Errorf("camera: unknown interface %q: expected usb, csi, or auto", kind)
	}
}
