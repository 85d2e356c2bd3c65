// Package signal is the signaling channel: it routes client requests
// to the session registry and registry events back to the clients,
// regardless of the transport a client uses.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/com"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/session"
)

// Conn is a client connection of any transport.
type Conn interface {
	Id() com.Uid
	// Send queues a wire message to the client without blocking.
	Send(msg []byte) error
	Close()
	Transport() string
}

// Observer receives connection hooks, mostly for metrics.
type Observer interface {
	Connected(transport string)
	Disconnected(transport string)
	Upgraded()
}

type nopObserver struct{}

func (nopObserver) Connected(string)    {}
func (nopObserver) Disconnected(string) {}
func (nopObserver) Upgraded()           {}

// Router dispatches the messages of all the connections.
// It holds no session state of its own.
type Router struct {
	conns com.NetMap[Conn]
	reg   *session.Registry

	qrTimeout time.Duration
	observer  Observer
	log       *logger.Logger
}

type Option func(*Router)

// WithQrTimeout sets the expiry of the sessions created for the QR pairing.
func WithQrTimeout(d time.Duration) Option { return func(r *Router) { r.qrTimeout = d } }
func WithObserver(o Observer) Option       { return func(r *Router) { r.observer = o } }
func WithLogger(l *logger.Logger) Option   { return func(r *Router) { r.log = l } }

// NewRouter makes a router with its own session registry.
func NewRouter(regOpts []session.Option, opts ...Option) *Router {
	r := &Router{
		conns:    com.NewNetMap[Conn](),
		observer: nopObserver{},
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reg = session.NewRegistry(r, append([]session.Option{session.WithLogger(r.log)}, regOpts...)...)
	return r
}

func (r *Router) Registry() *session.Registry { return r.reg }

func (r *Router) Connect(c Conn) {
	r.conns.Add(c)
	r.observer.Connected(c.Transport())
	r.log.Debug().Str(logger.ClientField, c.Id().Short()).Str("t", c.Transport()).Msg("connected")
}

// Disconnect forgets the connection and closes its session.
func (r *Router) Disconnect(c Conn) {
	if _, ok := r.conns.Pop(c.Id()); !ok {
		return
	}
	r.reg.OnDisconnect(c.Id())
	r.observer.Disconnected(c.Transport())
	r.log.Debug().Str(logger.ClientField, c.Id().Short()).Str(logger.DirectionField, "x").Msg("disconnected")
}

// Find returns a live connection.
func (r *Router) Find(id com.Uid) (Conn, bool) {
	c, err := r.conns.Find(id)
	return c, err == nil
}

func (r *Router) Len() int { return r.conns.Len() }

// Handle processes one raw message of the connection.
// Any error is answered to the client and never stops the router.
func (r *Router) Handle(c Conn, raw []byte) {
	defer func() {
		if err := recover(); err != nil {
			r.log.Error().Str(logger.ClientField, c.Id().Short()).Msgf("message handler panic: %v", err)
			r.reply(c, api.Error, api.ErrorResponse{Kind: api.ErrKindInternal})
		}
	}()

	in, err := api.Decode(raw)
	if err != nil {
		kind := api.ErrKindMalformed
		if errors.Is(err, api.ErrUnknownKind) {
			kind = api.ErrKindUnknown
		}
		r.log.Debug().Err(err).Str(logger.ClientField, c.Id().Short()).Msg("bad message")
		r.reply(c, api.Error, api.ErrorResponse{Kind: kind, Message: err.Error()})
		return
	}
	log := r.log.Extend(r.log.With().
		Str(logger.ClientField, c.Id().Short()).
		Str(logger.DirectionField, "←"))
	log.Debug().Str("t", in.T.String()).Msg("")

	switch in.T {
	case api.CreateSession:
		r.createSession(c, in.Payload, log)
	case api.JoinSession:
		rq := api.Unwrap[api.JoinSessionRequest](in.Payload)
		if err := r.reg.Join(session.Id(rq.SessionId), c.Id()); err != nil {
			log.Debug().Err(err).Str(logger.SessionField, rq.SessionId).Msg("join")
			r.reply(c, api.SessionNotFound, nil)
		}
	case api.Signal:
		rq := api.Unwrap[api.SignalRequest](in.Payload)
		err := r.reg.Relay(session.Id(rq.SessionId), c.Id(), raw)
		switch {
		case errors.Is(err, session.ErrNotMember):
			r.reply(c, api.Error, api.ErrorResponse{Kind: api.ErrKindNotMember})
		case err != nil:
			// dropped, the signal has nowhere to go
			log.Debug().Err(err).Msg("signal dropped")
		}
	}
}

func (r *Router) createSession(c Conn, payload []byte, log *logger.Logger) {
	var ttl time.Duration
	if rq := api.Unwrap[api.CreateSessionRequest](payload); rq != nil && rq.Mode == api.ModeQR {
		ttl = r.qrTimeout
	}
	id, err := r.reg.CreateFor(c.Id(), ttl)
	if err != nil {
		log.Error().Err(err).Msg("create session")
		r.reply(c, api.Error, api.ErrorResponse{Kind: api.ErrKindInternal, Message: err.Error()})
		return
	}
	r.reply(c, api.SessionCreated, api.SessionCreatedResponse{SessionId: id.String()})
}

func (r *Router) reply(c Conn, t api.Kind, payload any) {
	msg, err := api.Encode(t, payload)
	if err != nil {
		r.log.Error().Err(err).Msgf("encode %v", t)
		return
	}
	r.send(c, msg)
}

func (r *Router) send(c Conn, msg []byte) {
	if err := c.Send(msg); err != nil {
		r.log.Warn().Err(err).Str(logger.ClientField, c.Id().Short()).Msg("send fail")
	}
}

// Notify implements session.Notifier.
func (r *Router) Notify(to com.Uid, event api.Kind) {
	c, ok := r.Find(to)
	if !ok {
		return
	}
	r.reply(c, event, nil)
}

// Forward implements session.Notifier, the message is sent as is.
func (r *Router) Forward(to com.Uid, msg []byte) {
	c, ok := r.Find(to)
	if !ok {
		return
	}
	r.send(c, msg)
}

// Close drops all the sessions and connections.
func (r *Router) Close() error {
	r.reg.Close()
	r.conns.CloseAll()
	return nil
}

func (r *Router) String() string { return fmt.Sprintf("signal router (%v conns)", r.Len()) }
