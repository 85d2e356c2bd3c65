// Package camera gives access to the mobile-side media capture devices.
package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io/fs"

	"github.com/pion/webrtc/v4"
	"golang.org/x/image/draw"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device")
)

// Device is a source of the camera streams.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an opened camera.
type Stream interface {
	// Track is the outgoing video, nil for data-only streams.
	Track() webrtc.TrackLocal
	// Frame is the current picture of the camera.
	Frame() image.Image
	Close()
}

// accessError maps file system errors of a device into the camera errors.
func accessError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrNoDevice, err)
	}
	return err
}

var bars = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, A: 0xff},
	{G: 0xc0, B: 0xc0, A: 0xff},
	{G: 0xc0, A: 0xff},
	{R: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, A: 0xff},
	{B: 0xc0, A: 0xff},
}

// ColorBars draws the vertical test bars shifted by n columns.
func ColorBars(w, h, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if w <= 0 || h <= 0 {
		return img
	}
	bw := (w + len(bars) - 1) / len(bars)
	for i := range bars {
		x := (i*bw + n) % w
		c := image.NewUniform(bars[i])
		draw.Draw(img, image.Rect(x, 0, min(x+bw, w), h), c, image.Point{}, draw.Src)
		if x+bw > w {
			draw.Draw(img, image.Rect(0, 0, x+bw-w, h), c, image.Point{}, draw.Src)
		}
	}
	return img
}
