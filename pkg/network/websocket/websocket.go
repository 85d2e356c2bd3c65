// Package websocket is a thin wrapper over gorilla websocket connections
// with a reader and a writer goroutines per connection.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pongTime       = 60 * time.Second
	writeWait      = 10 * time.Second
	queueSize      = 64
)

var ErrQueueFull = errors.New("send queue is full")
var ErrClosed = errors.New("connection closed")

type Connection struct {
	conn *deadlinedConn
	send chan []byte

	// OnMessage is called for every incoming message from the reader goroutine.
	OnMessage MessageHandler

	pingPong bool
	pongTime time.Duration

	once sync.Once
	mu   sync.Mutex
	done chan struct{}
	log  *logger.Logger
}

type MessageHandler func(message []byte, err error)

type Options struct {
	// PingPong makes the writer send pings and the reader wait for pongs.
	PingPong  bool
	PongTime  time.Duration
	QueueSize int
	Logger    *logger.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	// pairing is open for any origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer upgrades the HTTP request to a websocket connection.
func NewServer(w http.ResponseWriter, r *http.Request, opts Options) (*Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, opts), nil
}

// NewClient dials a websocket server.
func NewClient(ctx context.Context, address string, opts Options) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, opts), nil
}

func newSocket(conn *websocket.Conn, opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = queueSize
	}
	if opts.PongTime <= 0 {
		opts.PongTime = pongTime
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Connection{
		conn:     &deadlinedConn{sock: conn, wt: writeWait},
		send:     make(chan []byte, opts.QueueSize),
		pingPong: opts.PingPong,
		pongTime: opts.PongTime,
		done:     make(chan struct{}),
		log:      opts.Logger,
	}
}

// Listen starts the reader and writer goroutines,
// the OnMessage handler should be set before the call.
func (c *Connection) Listen() {
	go c.writer()
	go c.reader()
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (c *Connection) reader() {
	defer c.Close()
	c.conn.setup(func(conn *websocket.Conn) {
		conn.SetReadLimit(maxMessageSize)
		if c.pingPong {
			_ = conn.SetReadDeadline(time.Now().Add(c.pongTime))
			conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(c.pongTime)) })
		}
	})
	for {
		message, err := c.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read fail")
			}
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(message, nil)
		}
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
// It owns the socket and closes it on exit.
func (c *Connection) writer() {
	var ping <-chan time.Time
	if c.pingPong {
		ticker := time.NewTicker(c.pongTime * 9 / 10)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		c.Close()
		_ = c.conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.close()
	}()
	for {
		select {
		case message := <-c.send:
			if err := c.conn.write(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write fail")
				return
			}
		case <-ping:
			if err := c.conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain writes what is left in the queue before the close frame.
func (c *Connection) drain() {
	for {
		select {
		case message := <-c.send:
			if c.conn.write(websocket.TextMessage, message) != nil {
				return
			}
		default:
			return
		}
	}
}

// Write puts the message into the send queue without blocking.
// A full queue means that the other side doesn't read and the connection
// is closed as too slow.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		go c.Close()
		return ErrQueueFull
	}
}

// Close stops the connection once, the writer flushes
// the pending messages and closes the socket.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
	})
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }
