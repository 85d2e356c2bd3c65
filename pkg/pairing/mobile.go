package pairing

import (
	"context"
	"fmt"
	"sync"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/camera"
	"github.com/camlink/camlink/pkg/capture"
	"github.com/camlink/camlink/pkg/link"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/negotiator"
	rtc "github.com/camlink/camlink/pkg/webrtc"
)

type MobileOptions struct {
	// Quality of the JPEG stills.
	Quality int
	// Width and Height limit the size of the stills.
	Width, Height int
	Log           *logger.Logger
}

// Mobile is the camera side, it joins the sessions.
type Mobile struct {
	sig     Signaling
	factory *rtc.ApiFactory
	device  camera.Device
	opts    MobileOptions
	log     *logger.Logger

	mu     sync.Mutex
	a      *attempt
	stream camera.Stream
	cap    *capture.Mobile
}

func NewMobile(sig Signaling, factory *rtc.ApiFactory, device camera.Device, opts MobileOptions) *Mobile {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Mobile{
		sig:     sig,
		factory: factory,
		device:  device,
		opts:    opts,
		log:     log.Extend(log.With().Str("side", "mobile")),
	}
}

// Join opens the camera and joins the session of the pairing link.
// It returns when the server confirms the pairing.
func (m *Mobile) Join(ctx context.Context, pairingLink string) error {
	id, err := link.Parse(pairingLink)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}

	m.mu.Lock()
	if m.a != nil {
		m.mu.Unlock()
		return ErrStarted
	}
	a := newAttempt(m.sig, m.log)
	a.setId(id)
	m.a = a
	m.mu.Unlock()

	stream, err := m.device.Open(ctx)
	if err != nil {
		a.fail(fmt.Errorf("%w: %w", ErrMediaAccess, err))
		return a.Err()
	}
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	a.run(func(e api.In) error { return m.handle(a, stream, e) })
	if err = m.sig.JoinSession(id.String()); err != nil {
		a.fail(fmt.Errorf("%w: %w", ErrSignaling, err))
		return a.Err()
	}
	return a.await(ctx)
}

func (m *Mobile) handle(a *attempt, stream camera.Stream, e api.In) error {
	if e.T != api.ConnectionSuccessful {
		return a.common(e)
	}
	neg, err := negotiator.New(negotiator.Initiator, m.factory, m.log)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	c := capture.NewMobile(neg, stream, m.opts.Quality, m.opts.Width, m.opts.Height, m.log)
	m.mu.Lock()
	m.cap = c
	m.mu.Unlock()
	a.bind(neg)
	a.markReady()
	m.log.Info().Msg("Joined")
	if err = neg.Start(stream); err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	return nil
}

func (m *Mobile) current() *attempt { m.mu.Lock(); defer m.mu.Unlock(); return m.a }

// Wait blocks until the desktop is connected or the session fails.
func (m *Mobile) Wait(ctx context.Context) error {
	a := m.current()
	if a == nil {
		return ErrClosed
	}
	return a.wait(ctx)
}

func (m *Mobile) Done() <-chan struct{} {
	if a := m.current(); a != nil {
		return a.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (m *Mobile) Err() error {
	if a := m.current(); a != nil {
		return a.Err()
	}
	return ErrClosed
}

// Shutter makes the desktop keep a still.
func (m *Mobile) Shutter() error {
	m.mu.Lock()
	c := m.cap
	m.mu.Unlock()
	if c == nil {
		return capture.ErrNotConnected
	}
	return c.Shutter()
}

// Close ends the session and releases the camera.
func (m *Mobile) Close() {
	m.mu.Lock()
	a, stream := m.a, m.stream
	m.a, m.stream, m.cap = nil, nil, nil
	m.mu.Unlock()
	if a != nil {
		a.close()
	}
	if stream != nil {
		stream.Close()
	}
}
