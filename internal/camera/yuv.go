package camera

import (
	"fmt"
	"image"
	"image/draw"
)

// yuv420ToRGBA converts a planar I420 buffer (full-resolution Y plane
// followed by quarter-resolution Cb and Cr planes) into a packed RGBA image.
// The buffer length must match the plane layout exactly.
func yuv420ToRGBA(buf []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("yuv420: dimensions %dx%d must be positive and even", width, height)
	}

	ySize := width * height
	cSize := ySize / 4
	if len(buf) != ySize+2*cSize {
		return nil, fmt.Errorf("yuv420: buffer size %d, want %d for %dx%d", len(buf), ySize+2*cSize, width, height)
	}

	ycbcr := &image.YCbCr{
		Y:              buf[:ySize],
		Cb:             buf[ySize : ySize+cSize],
		Cr:             buf[ySize+cSize:],
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}

	rgba := image.NewRGBA(ycbcr.Rect)
	draw.Draw(rgba, rgba.Bounds(), ycbcr, image.Point{}, draw.Src)
	return rgba, nil
}
