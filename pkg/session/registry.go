package session

import (
	"errors"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/com"
	"github.com/camlink/camlink/pkg/logger"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrNotFound      = errors.New("session not found")
	ErrNoCounterpart = errors.New("no counterpart")
	ErrNotMember     = errors.New("not a session member")
	ErrClosed        = errors.New("registry closed")
)

// Notifier delivers registry events to the connections.
// Calls are made outside the registry lock in the order of events
// for each connection.
type Notifier interface {
	Notify(to com.Uid, event api.Kind)
	Forward(to com.Uid, msg []byte)
}

// Observer receives session lifecycle hooks, mostly for metrics.
type Observer interface {
	Created()
	Paired()
	Expired()
	Closed()
	Relayed()
	Dropped()
}

type nopObserver struct{}

func (nopObserver) Created() {}
func (nopObserver) Paired()  {}
func (nopObserver) Expired() {}
func (nopObserver) Closed()  {}
func (nopObserver) Relayed() {}
func (nopObserver) Dropped() {}

// Registry is an in-memory table of the pairing sessions.
// All the operations are serialized with one lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[Id]*Session
	byConn   map[com.Uid]Id
	timeout  time.Duration
	closed   bool

	clock    Clock
	notifier Notifier
	observer Observer
	log      *logger.Logger
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}
func WithClock(c Clock) Option       { return func(r *Registry) { r.clock = c } }
func WithObserver(o Observer) Option { return func(r *Registry) { r.observer = o } }
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.log = l.Extend(l.With().Str(logger.ClientField, "reg")) }
}

func NewRegistry(n Notifier, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[Id]*Session),
		byConn:   make(map[com.Uid]Id),
		timeout:  DefaultTimeout,
		clock:    systemClock{},
		notifier: n,
		observer: nopObserver{},
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// event is a deferred notification made after unlocking.
type event struct {
	to   com.Uid
	kind api.Kind
	msg  []byte
}

func (r *Registry) deliver(events []event) {
	for _, e := range events {
		if e.msg != nil {
			r.notifier.Forward(e.to, e.msg)
		} else {
			r.notifier.Notify(e.to, e.kind)
		}
	}
}

// Create makes a new pending session for the desktop connection
// with the default expiry window.
func (r *Registry) Create(desktop com.Uid) (Id, error) { return r.CreateFor(desktop, 0) }

// CreateFor makes a new pending session that expires after ttl
// if no mobile joins it. Zero ttl means the registry timeout.
// A previous session of the same connection is closed first.
func (r *Registry) CreateFor(desktop com.Uid, ttl time.Duration) (Id, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if ttl <= 0 {
		ttl = r.timeout
	}

	var events []event
	if prev, ok := r.byConn[desktop]; ok {
		events = r.remove(prev, desktop)
	}

	id := NewId()
	for r.sessions[id] != nil {
		id = NewId()
	}
	s := &Session{Id: id, Desktop: desktop, CreatedAt: r.clock.Now(), state: Pending}
	r.sessions[id] = s
	r.byConn[desktop] = id
	s.expiry = r.clock.AfterFunc(ttl, func() { r.expire(id, s) })
	r.mu.Unlock()

	r.deliver(events)
	r.observer.Created()
	r.log.Debug().Str(logger.SessionField, id.Short()).Dur("ttl", ttl).Msg("session created")
	return id, nil
}

// Join pairs the mobile connection with a pending session.
// Unknown, expired or already paired sessions are ErrNotFound,
// as well as a mobile which is already a member of some session.
func (r *Registry) Join(id Id, mobile com.Uid) error {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil || s.state != Pending {
		r.mu.Unlock()
		return ErrNotFound
	}
	if _, bound := r.byConn[mobile]; bound {
		r.mu.Unlock()
		return ErrNotFound
	}
	s.cancelExpiry()
	s.Mobile = mobile
	s.state = Paired
	r.byConn[mobile] = id
	desktop := s.Desktop
	r.mu.Unlock()

	r.deliver([]event{
		{to: desktop, kind: api.MobileConnected},
		{to: mobile, kind: api.ConnectionSuccessful},
	})
	r.observer.Paired()
	r.log.Debug().Str(logger.SessionField, id.Short()).Msg("session paired")
	return nil
}

// Relay forwards the message unchanged to the other member of the session.
func (r *Registry) Relay(id Id, from com.Uid, msg []byte) error {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	to, member := s.counterpart(from)
	if !member {
		r.mu.Unlock()
		return ErrNotMember
	}
	if to.IsNil() {
		r.mu.Unlock()
		r.observer.Dropped()
		return ErrNoCounterpart
	}
	r.mu.Unlock()

	r.deliver([]event{{to: to, msg: msg}})
	r.observer.Relayed()
	return nil
}

// Remove deletes the session and tells its members that the peer is gone.
func (r *Registry) Remove(id Id) {
	r.mu.Lock()
	events := r.remove(id, com.NilUid)
	r.mu.Unlock()
	r.deliver(events)
}

// OnDisconnect removes the session of a dropped connection, if any,
// notifying the remaining member.
func (r *Registry) OnDisconnect(conn com.Uid) {
	r.mu.Lock()
	id, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	events := r.remove(id, conn)
	r.mu.Unlock()
	r.deliver(events)
	r.log.Debug().Str(logger.SessionField, id.Short()).Str(logger.ClientField, conn.Short()).
		Msg("session closed on disconnect")
}

// remove deletes the session and returns the notifications
// for every member except the skipped one. Must be called under the lock.
func (r *Registry) remove(id Id, skip com.Uid) []event {
	s := r.sessions[id]
	if s == nil {
		return nil
	}
	s.cancelExpiry()
	s.state = Closed
	delete(r.sessions, id)
	delete(r.byConn, s.Desktop)

	var events []event
	if s.Desktop != skip {
		events = append(events, event{to: s.Desktop, kind: api.PeerDisconnected})
	}
	if !s.Mobile.IsNil() {
		delete(r.byConn, s.Mobile)
		if s.Mobile != skip {
			events = append(events, event{to: s.Mobile, kind: api.PeerDisconnected})
		}
	}
	r.observer.Closed()
	return events
}

// expire closes a session nobody has joined.
// The check for the same record guards against a stale timer.
func (r *Registry) expire(id Id, s *Session) {
	r.mu.Lock()
	if r.sessions[id] != s || s.state != Pending {
		r.mu.Unlock()
		return
	}
	s.expiry = nil
	s.state = Closed
	delete(r.sessions, id)
	delete(r.byConn, s.Desktop)
	r.mu.Unlock()

	r.notifier.Notify(s.Desktop, api.SessionTimeout)
	r.observer.Expired()
	r.log.Debug().Str(logger.SessionField, id.Short()).Msg("session expired")
}

// SetTimeout changes the expiry window of the sessions created after the call.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

func (r *Registry) Timeout() time.Duration { r.mu.Lock(); defer r.mu.Unlock(); return r.timeout }

// Get returns a snapshot of the session.
func (r *Registry) Get(id Id) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// Of returns the id of the session the connection is a member of.
func (r *Registry) Of(conn com.Uid) (Id, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn]
	return id, ok
}

func (r *Registry) Len() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.sessions) }

// Close removes every session and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var events []event
	for id := range r.sessions {
		events = append(events, r.remove(id, com.NilUid)...)
	}
	r.mu.Unlock()
	r.deliver(events)
}
