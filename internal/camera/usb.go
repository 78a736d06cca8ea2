package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/parcelworks/sortbot/internal/monitoring"
)

// fourccMJPEG is the V4L2 pixel format for motion JPEG. The compressed
// format must be negotiated before resolution: uncompressed modes at useful
// resolutions exceed USB 2.0 bandwidth and the driver silently falls back to
// a lower frame rate.
const fourccMJPEG = webcam.PixelFormat(0x47504A4D) // 'MJPG'

// usbDeviceIndexes is the scan order: index 0 first, then 1..5.
var usbDeviceIndexes = []int{0, 1, 2, 3, 4, 5}

var usbBounds = bounds{
	minWidth: 160, maxWidth: 1920,
	minHeight: 120, maxHeight: 1080,
	minFPS: 1, maxFPS: 30,
}

// usbProvider drives a UVC webcam over V4L2.
type usbProvider struct {
	mu      sync.Mutex
	cam     *webcam.Webcam
	index   int
	width   int
	height  int
	running bool
}

func newUSBProvider() *usbProvider {
	return &usbProvider{index: -1}
}

// DeviceIndex returns the /dev/videoN index in use, or -1.
func (u *usbProvider) DeviceIndex() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.index
}

func (u *usbProvider) Start(width, height, fps int) error {
	if err := usbBounds.check(width, height, fps); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return ErrAlreadyRunning
	}

	var lastErr error
	for _, idx := range usbDeviceIndexes {
		cam, err := u.openDevice(idx, width, height)
		if err != nil {
			lastErr = err
			continue
		}
		u.cam = cam
		u.index = idx
		u.width = width
		u.height = height
		u.running = true
		monitoring.Logf("camera: usb backend streaming from /dev/video%d at %dx%d", idx, width, height)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usb camera device found")
	}
	return fmt.Errorf("camera: usb start: %w", lastErr)
}

// openDevice opens one /dev/videoN, negotiates MJPEG before resolution, and
// performs the double-read handshake: the first read may legitimately fail
// while the capture pipeline settles.
func (u *usbProvider) openDevice(idx, width, height int) (*webcam.Webcam, error) {
	path := fmt.Sprintf("/dev/video%d", idx)
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if _, ok := cam.GetSupportedFormats()[fourccMJPEG]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%s: no MJPEG support", path)
	}

	_, gotW, gotH, err := cam.SetImageFormat(fourccMJPEG, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%s: set format: %w", path, err)
	}
	if int(gotW) != width || int(gotH) != height {
		cam.Close()
		return nil, fmt.Errorf("%s: driver offered %dx%d instead of %dx%d", path, gotW, gotH, width, height)
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("%s: start streaming: %w", path, err)
	}

	// Double-read handshake: discard the first attempt, require the second.
	readOnce(cam)
	if _, err := readOnce(cam); err != nil {
		cam.StopStreaming()
		cam.Close()
		return nil, fmt.Errorf("%s: settle read: %w", path, err)
	}

	return cam, nil
}

// readOnce pulls one raw MJPEG frame with a short wait.
func readOnce(cam *webcam.Webcam) ([]byte, error) {
	if err := cam.WaitForFrame(1); err != nil {
		return nil, err
	}
	frame, err := cam.ReadFrame()
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	return frame, nil
}

func (u *usbProvider) Read() (*image.RGBA, bool) {
	u.mu.Lock()
	cam := u.cam
	running := u.running
	u.mu.Unlock()

	if !running || cam == nil {
		return nil, false
	}

	raw, err := readOnce(cam)
	if err != nil {
		monitoring.Debugf("camera: usb read: %v", err)
		return nil, false
	}

	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		monitoring.Debugf("camera: usb jpeg decode: %v", err)
		return nil, false
	}

	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, true
}

func (u *usbProvider) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cam != nil {
		if err := u.cam.StopStreaming(); err != nil {
			monitoring.Debugf("camera: usb stop streaming: %v", err)
		}
		if err := u.cam.Close(); err != nil {
			monitoring.Debugf("camera: usb close: %v", err)
		}
		u.cam = nil
	}
	u.index = -1
	u.running = false
}
