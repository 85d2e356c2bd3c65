// Package longpoll is an HTTP long-polling transport for the clients
// that can't open websocket connections.
//
// A client opens a connection with POST and gets its token (sid),
// then it keeps one GET ?sid= request hanging to receive batches of messages
// and sends its own batches with POST ?sid=. DELETE ?sid= closes the connection.
// A batch is a JSON array of messages.
//
// The sid is a random token and the only credential of the connection,
// the connection id (Id) is never exposed to the client.
package longpoll

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/com"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	defaultWait  = 25 * time.Second
	maxBodySize  = 256 * 1024
	maxQueueSize = 256
)

var (
	ErrQueueFull = errors.New("send queue is full")
	ErrClosed    = errors.New("connection closed")
)

// Conn is a long-poll connection.
type Conn struct {
	id  com.Uid
	sid string

	mu       sync.Mutex
	queue    [][]byte
	max      int
	ready    chan struct{}
	polling  bool
	lastSeen time.Time

	// OnMessage is called for every message of a client batch in order.
	OnMessage func(message []byte)

	once     sync.Once
	done     chan struct{}
	upgraded bool
}

func (c *Conn) Id() com.Uid { return c.id }

// Sid is the secret token of the connection.
func (c *Conn) Sid() string { return c.sid }

// Write puts the message into the queue for the next poll.
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	if len(c.queue) >= c.max {
		c.mu.Unlock()
		c.Close()
		return ErrQueueFull
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *Conn) wake() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Conn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *Conn) Close() { c.once.Do(func() { close(c.done) }) }

// Done is closed when the connection is closed or upgraded.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Upgraded tells if the connection has been moved to some other transport.
func (c *Conn) Upgraded() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.upgraded }

func (c *Conn) touch(polling bool) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.polling = polling
	c.mu.Unlock()
}

func (c *Conn) idle(now time.Time, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.polling && now.Sub(c.lastSeen) > d
}

// Server keeps long-poll connections and serves their requests.
type Server struct {
	conns *com.Map[string, *Conn]
	wait  time.Duration
	queue int

	// OnConnect is called for each new connection before its id is sent
	// to the client, so no message can be lost.
	OnConnect func(*Conn)

	log  *logger.Logger
	stop chan struct{}
	once sync.Once
}

type Option func(*Server)

// WithWait sets the max time a GET request waits for messages.
// A client that hasn't polled for twice of it is considered gone.
func WithWait(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.wait = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queue = n
		}
	}
}

func WithLogger(l *logger.Logger) Option { return func(s *Server) { s.log = l } }

func NewServer(opts ...Option) *Server {
	s := &Server{
		conns: com.NewMap[string, *Conn](),
		wait:  defaultWait,
		queue: maxQueueSize,
		log:   logger.Nop(),
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.reap()
	return s
}

// ServeHTTP routes the requests by method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	switch {
	case r.Method == http.MethodPost && sid == "":
		s.open(w)
	case r.Method == http.MethodGet:
		s.receive(w, r, sid)
	case r.Method == http.MethodPost:
		s.send(w, r, sid)
	case r.Method == http.MethodDelete:
		s.close(w, sid)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type opened struct {
	Sid  string `json:"sid"`
	Wait int64  `json:"wait"`
}

func (s *Server) open(w http.ResponseWriter) {
	c := &Conn{
		id:       com.NewUid(),
		sid:      uuid.NewString(),
		max:      s.queue,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}
	s.conns.Put(c.sid, c)
	go func() { <-c.done; s.conns.RemoveByKey(c.sid) }()
	if s.OnConnect != nil {
		s.OnConnect(c)
	}
	s.log.Debug().Str(logger.ClientField, c.id.Short()).Msg("poll open")
	writeJSON(w, opened{Sid: c.sid, Wait: s.wait.Milliseconds()})
}

func (s *Server) find(w http.ResponseWriter, sid string) *Conn {
	if _, err := uuid.Parse(sid); err != nil {
		http.Error(w, "bad sid", http.StatusBadRequest)
		return nil
	}
	c, ok := s.Find(sid)
	if !ok {
		http.Error(w, "no connection", http.StatusNotFound)
		return nil
	}
	return c
}

// Find returns the open connection of the token.
func (s *Server) Find(sid string) (*Conn, bool) {
	c, err := s.conns.Find(sid)
	return c, err == nil
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request, sid string) {
	c := s.find(w, sid)
	if c == nil {
		return
	}
	c.touch(true)
	defer c.touch(false)

	if q := c.take(); len(q) > 0 {
		writeBatch(w, q)
		return
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case <-c.ready:
		writeBatch(w, c.take())
	case <-timer.C:
		writeBatch(w, nil)
	case <-c.done:
		// the last messages before the close are still delivered
		if q := c.take(); len(q) > 0 && !c.Upgraded() {
			writeBatch(w, q)
			return
		}
		http.Error(w, "closed", http.StatusGone)
	case <-r.Context().Done():
	}
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, sid string) {
	c := s.find(w, sid)
	if c == nil {
		return
	}
	c.touch(false)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	var batch []json.RawMessage
	if err = json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "bad batch", http.StatusBadRequest)
		return
	}
	if c.OnMessage != nil {
		for _, m := range batch {
			c.OnMessage(m)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) close(w http.ResponseWriter, sid string) {
	c := s.find(w, sid)
	if c == nil {
		return
	}
	c.Close()
	w.WriteHeader(http.StatusNoContent)
}

// Upgrade detaches the connection of the token from polling and returns its
// pending messages, the caller continues the connection over another transport.
func (s *Server) Upgrade(sid string) ([][]byte, bool) {
	c, ok := s.conns.Pop(sid)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.upgraded = true
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	c.Close()
	return q, true
}

func (s *Server) Len() int { return s.conns.Len() }

// reap closes the connections of the clients that stopped polling.
func (s *Server) reap() {
	ticker := time.NewTicker(s.wait)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.conns.ForEach(func(c *Conn) {
				if c.idle(now, 2*s.wait) {
					s.log.Debug().Str(logger.ClientField, c.id.Short()).Msg("poll timeout")
					c.Close()
				}
			})
		}
	}
}

// Close drops all the connections.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.conns.ForEach(func(c *Conn) { c.Close() })
	})
}

func writeBatch(w http.ResponseWriter, batch [][]byte) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(m)
	}
	buf.WriteByte(']')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
