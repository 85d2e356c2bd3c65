package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// Pattern is a synthetic camera.
// Its frames are color bars, the video track plays a VP8 IVF file in a loop
// if one is set, otherwise the stream is data-only.
type Pattern struct {
	conf config.Camera
	log  *logger.Logger
}

func NewPattern(conf config.Camera, log *logger.Logger) *Pattern {
	return &Pattern{conf: conf, log: log.Extend(log.With().Str("mod", "camera"))}
}

func (p *Pattern) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.conf.Width <= 0 || p.conf.Height <= 0 {
		return nil, fmt.Errorf("%w: bad frame size %vx%v", ErrNoDevice, p.conf.Width, p.conf.Height)
	}
	s := &patternStream{
		w:    p.conf.Width,
		h:    p.conf.Height,
		born: time.Now(),
		done: make(chan struct{}),
		log:  p.log,
	}
	if p.conf.Video == "" || p.conf.NoVideo {
		return s, nil
	}

	f, err := os.Open(p.conf.Video)
	if err != nil {
		return nil, accessError(err)
	}
	r, h, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if h.FourCC != "VP80" {
		_ = f.Close()
		return nil, fmt.Errorf("%w: unsupported codec %q", ErrNoDevice, h.FourCC)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.track = track
	fps := p.conf.Fps
	if fps <= 0 {
		fps = 30
	}
	s.wg.Add(1)
	go s.play(f, r, time.Second/time.Duration(fps))
	return s, nil
}

type patternStream struct {
	w, h  int
	born  time.Time
	track *webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
	log  *logger.Logger
}

func (s *patternStream) Track() webrtc.TrackLocal {
	if s.track == nil {
		return nil
	}
	return s.track
}

// Frame moves the bars one pixel every 10ms.
func (s *patternStream) Frame() image.Image {
	select {
	case <-s.done:
		return nil
	default:
	}
	return ColorBars(s.w, s.h, int(time.Since(s.born)/(10*time.Millisecond)))
}

func (s *patternStream) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *patternStream) play(f *os.File, r *ivfreader.IVFReader, frame time.Duration) {
	defer s.wg.Done()
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		data, _, err := r.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err = f.Seek(0, io.SeekStart); err == nil {
				r, _, err = ivfreader.NewWith(f)
			}
			if err != nil {
				s.log.Error().Err(err).Msg("video rewind")
				return
			}
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Msg("video frame")
			return
		}
		if err = s.track.WriteSample(media.Sample{Data: data, Duration: frame}); err != nil {
			s.log.Warn().Err(err).Msg("video sample")
		}
	}
}
