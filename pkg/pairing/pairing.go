// Package pairing runs the desktop and mobile sides of a camera link:
// the signaling session, the peer connection and the stills on top of it.
//
// Every failure is terminal for the session, the only way out is to start
// over with a new session.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/negotiator"
	"github.com/camlink/camlink/pkg/session"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionTimeout   = errors.New("session timeout")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrMediaAccess      = errors.New("camera access failed")
	ErrSignaling        = errors.New("signaling connection lost")
	ErrClosed           = errors.New("pairing closed")
	ErrStarted          = errors.New("pairing already started")
)

// Signaling is the connection to the signaling server.
type Signaling interface {
	CreateSession(mode string) error
	JoinSession(id string) error
	Signal(id string, d api.Descriptor) error
	Events() <-chan api.In
	Done() <-chan struct{}
}

// attempt is one session of a side, from the request until a failure.
type attempt struct {
	sig Signaling
	log *logger.Logger

	mu  sync.Mutex
	id  session.Id
	neg *negotiator.Negotiator
	err error

	ready     chan struct{}
	connected chan struct{}
	done      chan struct{}
	stop      chan struct{}

	readyOnce, connOnce, doneOnce, stopOnce sync.Once
	wg                                      sync.WaitGroup
}

func newAttempt(sig Signaling, log *logger.Logger) *attempt {
	return &attempt{
		sig:       sig,
		log:       log,
		ready:     make(chan struct{}),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// run reads the server events until the attempt is over.
func (a *attempt) run(handle func(api.In) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stop:
				return
			case <-a.done:
				return
			case <-a.sig.Done():
				a.fail(ErrSignaling)
				return
			case e := <-a.sig.Events():
				if err := handle(e); err != nil {
					a.fail(err)
					return
				}
			}
		}
	}()
}

// common handles the events both sides get.
func (a *attempt) common(e api.In) error {
	switch e.T {
	case api.Signal:
		rq, err := api.UnwrapChecked[api.SignalRequest](e.Payload)
		if err != nil {
			a.log.Warn().Err(err).Msg("bad signal")
			return nil
		}
		if session.Id(rq.SessionId) != a.Id() {
			a.log.Debug().Str(logger.SessionField, rq.SessionId).Msg("signal of another session")
			return nil
		}
		d, err := rq.Descriptor()
		if err != nil {
			a.log.Warn().Err(err).Msg("bad descriptor")
			return nil
		}
		neg := a.negotiator()
		if neg == nil {
			a.log.Warn().Str("kind", string(d.Kind)).Msg("signal before pairing")
			return nil
		}
		if err = neg.Signal(d); err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
	case api.SessionTimeout:
		return ErrSessionTimeout
	case api.PeerDisconnected:
		return ErrPeerDisconnected
	case api.SessionNotFound:
		return ErrSessionNotFound
	case api.Error:
		if rs := api.Unwrap[api.ErrorResponse](e.Payload); rs != nil {
			a.log.Warn().Str("kind", rs.Kind).Msg(rs.Message)
		}
	default:
		a.log.Debug().Str("t", string(e.T)).Msg("skipped event")
	}
	return nil
}

// bind relays the local descriptors of the negotiator and follows its state.
func (a *attempt) bind(neg *negotiator.Negotiator) {
	id := a.Id()
	neg.OnSignal(func(d api.Descriptor) {
		if err := a.sig.Signal(id.String(), d); err != nil {
			a.log.Warn().Err(err).Msg("signal")
		}
	})
	neg.OnState(func(s negotiator.State) {
		switch s {
		case negotiator.Connected:
			a.connOnce.Do(func() { close(a.connected) })
			a.log.Info().Str(logger.SessionField, id.Short()).Msg("Connected")
		case negotiator.Error:
			a.fail(fmt.Errorf("%w: %w", ErrNegotiation, neg.Err()))
		}
	})
	a.mu.Lock()
	a.neg = neg
	a.mu.Unlock()
}

func (a *attempt) setId(id session.Id) { a.mu.Lock(); a.id = id; a.mu.Unlock() }

func (a *attempt) Id() session.Id { a.mu.Lock(); defer a.mu.Unlock(); return a.id }

func (a *attempt) negotiator() *negotiator.Negotiator { a.mu.Lock(); defer a.mu.Unlock(); return a.neg }

func (a *attempt) markReady() { a.readyOnce.Do(func() { close(a.ready) }) }

func (a *attempt) Err() error { a.mu.Lock(); defer a.mu.Unlock(); return a.err }

// fail ends the attempt with the first error.
func (a *attempt) fail(err error) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.err = err
		neg := a.neg
		a.mu.Unlock()
		close(a.done)
		if neg != nil {
			// may be called from the peer connection callbacks
			go neg.Close()
		}
		if !errors.Is(err, ErrClosed) {
			a.log.Warn().Err(err).Str(logger.SessionField, a.Id().Short()).Msg("pairing failed")
		}
	})
}

func (a *attempt) close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
	a.fail(ErrClosed)
}

// wait blocks until the peers are connected or the attempt fails.
func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.connected:
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-a.done:
		return a.Err()
	default:
		return nil
	}
}

// await blocks until the session is set up on the server.
func (a *attempt) await(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-a.done:
		return a.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
