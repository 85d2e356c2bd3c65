package capture

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/camlink/camlink/pkg/logger"
)

// Mobile is the initiator side coordinator.
// It owns the camera-to-image conversion of the remote stills.
type Mobile struct {
	ch      Channel
	camera  Surface
	quality int
	w, h    int
	log     *logger.Logger
}

// NewMobile makes the coordinator, the stills are scaled down to w x h if set.
func NewMobile(ch Channel, camera Surface, quality, w, h int, log *logger.Logger) *Mobile {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	m := &Mobile{
		ch:      ch,
		camera:  camera,
		quality: quality,
		w:       w,
		h:       h,
		log:     log.Extend(log.With().Str("mod", "capture")),
	}
	ch.OnMessage(m.handle)
	return m
}

// Shutter tells the desktop to keep the frame it shows.
func (m *Mobile) Shutter() error {
	msg, err := Message{T: Capture}.encode()
	if err != nil {
		return err
	}
	if err = m.ch.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Still encodes the current camera frame.
func (m *Mobile) Still() ([]byte, error) {
	if m.camera == nil {
		return nil, ErrNoFrame
	}
	frame := m.camera.Frame()
	if frame == nil || frame.Bounds().Empty() {
		return nil, ErrNoFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Fit(frame, m.w, m.h), &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Mobile) handle(data []byte) {
	msg, err := decode(data)
	if err != nil {
		m.log.Warn().Err(err).Msg("bad capture message")
		return
	}
	if msg.T != Capture {
		m.log.Warn().Str("t", string(msg.T)).Msg("unknown capture message")
		return
	}
	if err = m.reply(msg.Id); err != nil {
		m.log.Error().Err(err).Msg("capture")
	}
}

func (m *Mobile) reply(id uint32) error {
	still, err := m.Still()
	if err != nil {
		out, encErr := Message{T: Frame, Id: id, Last: true, Err: err.Error()}.encode()
		if encErr != nil {
			return encErr
		}
		return m.ch.Send(out)
	}
	for _, c := range chunks(id, still) {
		out, err := c.encode()
		if err != nil {
			return err
		}
		if err = m.ch.Send(out); err != nil {
			return err
		}
	}
	m.log.Debug().Uint32("id", id).Int("size", len(still)).Msg("still sent")
	return nil
}
