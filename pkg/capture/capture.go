// Package capture makes still images out of the live camera stream.
//
// There are two ways to get a still. The desktop can grab the frame it
// currently shows (Grab), or it can ask the mobile over the data channel
// and the mobile converts its own camera frame into a JPEG (RequestRemote).
package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

var (
	ErrNoFrame      = errors.New("no video frame")
	ErrNotConnected = errors.New("not connected")
	ErrRemote       = errors.New("remote capture failed")
)

const (
	MimePng  = "image/png"
	MimeJpeg = "image/jpeg"
)

// Surface is something that shows video frames.
type Surface interface {
	// Frame returns the current frame or nil.
	Frame() image.Image
}

// Still is a captured picture.
type Still struct {
	Image image.Image
	Data  []byte
	MIME  string
	Taken time.Time
}

func (s *Still) DataURL() string {
	return "data:" + s.MIME + ";base64," + base64.StdEncoding.EncodeToString(s.Data)
}

// Ext is the file extension of the encoded picture.
func (s *Still) Ext() string {
	if s.MIME == MimeJpeg {
		return ".jpg"
	}
	return ".png"
}

// Grab draws the current frame of the surface to an offscreen image
// of the same size and encodes it as PNG.
func Grab(surface Surface) (*Still, error) {
	if surface == nil {
		return nil, ErrNoFrame
	}
	frame := surface.Frame()
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrNoFrame
	}
	b := frame.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), frame, b.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &Still{Image: img, Data: buf.Bytes(), MIME: MimePng, Taken: time.Now()}, nil
}

// Fit scales the image down to fit into w x h keeping the aspect ratio.
func Fit(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if w <= 0 || h <= 0 || (b.Dx() <= w && b.Dy() <= h) {
		return img
	}
	scale := min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	dw, dh := max(int(float64(b.Dx())*scale), 1), max(int(float64(b.Dy())*scale), 1)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// LastFrame is a surface showing the last set picture.
type LastFrame struct {
	mu  sync.Mutex
	img image.Image
}

func (l *LastFrame) Frame() image.Image { l.mu.Lock(); defer l.mu.Unlock(); return l.img }
func (l *LastFrame) Set(img image.Image) { l.mu.Lock(); l.img = img; l.mu.Unlock() }
