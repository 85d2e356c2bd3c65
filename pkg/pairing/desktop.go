package pairing

import (
	"context"
	"fmt"
	"sync"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/capture"
	"github.com/camlink/camlink/pkg/link"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/negotiator"
	"github.com/camlink/camlink/pkg/session"
	rtc "github.com/camlink/camlink/pkg/webrtc"
	"github.com/pion/webrtc/v4"
)

type DesktopOptions struct {
	// Origin is the address of the pairing links.
	Origin string
	// Mode of the session, api.ModeQR gives more time to scan the code.
	Mode string
	// Sink gets the stills taken with the mobile shutter.
	Sink capture.Sink
	// OnStream gets the camera video, it must read the track until it fails.
	OnStream func(*webrtc.TrackRemote)
	Log      *logger.Logger
}

// Desktop is the receiving side, it creates the sessions.
type Desktop struct {
	sig     Signaling
	factory *rtc.ApiFactory
	opts    DesktopOptions
	log     *logger.Logger

	mu  sync.Mutex
	a   *attempt
	cap *capture.Desktop
}

func NewDesktop(sig Signaling, factory *rtc.ApiFactory, opts DesktopOptions) *Desktop {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Desktop{sig: sig, factory: factory, opts: opts, log: log.Extend(log.With().Str("side", "desktop"))}
}

// Start creates a new session and returns its pairing link.
func (d *Desktop) Start(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.a != nil {
		d.mu.Unlock()
		return "", ErrStarted
	}
	a := newAttempt(d.sig, d.log)
	d.a = a
	d.mu.Unlock()

	a.run(func(e api.In) error { return d.handle(a, e) })
	if err := d.sig.CreateSession(d.opts.Mode); err != nil {
		a.fail(fmt.Errorf("%w: %w", ErrSignaling, err))
		return "", a.Err()
	}
	if err := a.await(ctx); err != nil {
		return "", err
	}
	return link.Build(d.opts.Origin, a.Id()), nil
}

func (d *Desktop) handle(a *attempt, e api.In) error {
	// whatever comes before the new session belongs to an old one
	if a.Id() == "" && e.T != api.SessionCreated {
		d.log.Debug().Str("t", string(e.T)).Msg("stale event")
		return nil
	}
	switch e.T {
	case api.SessionCreated:
		rs, err := api.UnwrapChecked[api.SessionCreatedResponse](e.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignaling, err)
		}
		id, err := session.ParseId(rs.SessionId)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSignaling, err)
		}
		a.setId(id)
		a.markReady()
		d.log.Info().Str(logger.SessionField, id.Short()).Msg("Session created")
	case api.MobileConnected:
		neg, err := negotiator.New(negotiator.Receiver, d.factory, d.log)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
		if d.opts.OnStream != nil {
			neg.OnStream(d.opts.OnStream)
		}
		c := capture.NewDesktop(neg, nil, d.opts.Sink, d.log)
		d.mu.Lock()
		d.cap = c
		d.mu.Unlock()
		a.bind(neg)
		d.log.Info().Msg("Mobile connected")
	default:
		return a.common(e)
	}
	return nil
}

func (d *Desktop) current() *attempt { d.mu.Lock(); defer d.mu.Unlock(); return d.a }

// SessionId is the id of the current session.
func (d *Desktop) SessionId() session.Id {
	if a := d.current(); a != nil {
		return a.Id()
	}
	return ""
}

// Wait blocks until the camera is connected or the session fails.
func (d *Desktop) Wait(ctx context.Context) error {
	a := d.current()
	if a == nil {
		return ErrClosed
	}
	return a.wait(ctx)
}

// Done is closed when the current session is over.
func (d *Desktop) Done() <-chan struct{} {
	if a := d.current(); a != nil {
		return a.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err is the reason the current session is over.
func (d *Desktop) Err() error {
	if a := d.current(); a != nil {
		return a.Err()
	}
	return ErrClosed
}

// Still takes a picture, the shown frame if there is one,
// otherwise one from the mobile camera.
func (d *Desktop) Still(ctx context.Context) (*capture.Still, error) {
	d.mu.Lock()
	c := d.cap
	d.mu.Unlock()
	if c == nil {
		return nil, capture.ErrNotConnected
	}
	still, err := c.Capture()
	if err == nil {
		return still, nil
	}
	return c.RequestRemote(ctx)
}

// Restart drops the current session and creates a new one.
func (d *Desktop) Restart(ctx context.Context) (string, error) {
	d.Close()
	return d.Start(ctx)
}

func (d *Desktop) Close() {
	d.mu.Lock()
	a := d.a
	d.a, d.cap = nil, nil
	d.mu.Unlock()
	if a != nil {
		a.close()
	}
}
