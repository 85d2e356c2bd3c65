// Package client is a signaling client. It connects with a websocket
// if it can and falls back to HTTP long polling otherwise.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/api"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/network/longpoll"
	"github.com/camlink/camlink/pkg/network/websocket"
	"github.com/goccy/go-json"
)

const (
	Websocket = "websocket"
	Polling   = "polling"

	eventQueue = 256
)

var (
	ErrClosed   = errors.New("signaling connection closed")
	errHandover = errors.New("poll handover timeout")
)

type transport interface {
	Write([]byte) error
	Close()
	Done() <-chan struct{}
}

type Client struct {
	mu   sync.Mutex
	t    transport
	kind string

	events chan api.In
	done   chan struct{}
	once   sync.Once
	log    *logger.Logger
}

type options struct {
	pollFirst bool
	noWs      bool
	log       *logger.Logger
}

type Option func(*options)

// WithPollFirst connects with long polling and then upgrades to websocket,
// the same way browsers do behind picky proxies.
func WithPollFirst() Option              { return func(o *options) { o.pollFirst = true } }
func WithPollingOnly() Option            { return func(o *options) { o.noWs = true } }
func WithLogger(l *logger.Logger) Option { return func(o *options) { o.log = l } }

// Dial connects to the signaling endpoint, as example ws://localhost:8000/api/signal.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	o := options{log: logger.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	wsURL, pollURL, err := endpoints(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		events: make(chan api.In, eventQueue),
		done:   make(chan struct{}),
		log:    o.log,
	}

	if !o.noWs && !o.pollFirst {
		ws, err := websocket.NewClient(ctx, wsURL, websocket.Options{Logger: o.log})
		if err == nil {
			c.use(ws, Websocket)
			ws.OnMessage = func(m []byte, _ error) { c.deliver(m) }
			ws.Listen()
			return c, nil
		}
		o.log.Debug().Err(err).Msg("websocket is not available, fallback to polling")
	}

	poll, err := longpoll.Dial(ctx, pollURL, o.log)
	if err != nil {
		return nil, fmt.Errorf("signal dial: %w", err)
	}
	c.use(poll, Polling)
	poll.OnMessage = c.deliver
	poll.Listen()

	if o.pollFirst && !o.noWs {
		err = c.upgrade(ctx, poll, wsURL)
		if errors.Is(err, errHandover) {
			return nil, fmt.Errorf("signal dial: %w", err)
		}
		if err != nil {
			o.log.Debug().Err(err).Msg("websocket upgrade fail, keep polling")
		}
	}
	return c, nil
}

// endpoints makes the websocket and long-poll URLs of the base address.
func endpoints(address string) (ws string, poll string, err error) {
	u, err := url.Parse(strings.TrimSuffix(address, "/"))
	if err != nil {
		return "", "", err
	}
	w, p := *u, *u
	switch u.Scheme {
	case "ws", "http":
		w.Scheme, p.Scheme = "ws", "http"
	case "wss", "https":
		w.Scheme, p.Scheme = "wss", "https"
	default:
		return "", "", fmt.Errorf("bad signal address scheme %q", u.Scheme)
	}
	w.Path += "/ws"
	p.Path += "/poll"
	return w.String(), p.String(), nil
}

func (c *Client) use(t transport, kind string) {
	c.mu.Lock()
	c.t, c.kind = t, kind
	c.mu.Unlock()
	go c.watch(t)
}

// upgrade moves the long-poll connection to a websocket one.
// The client is locked meanwhile: the last batch is posted before the websocket
// is opened, and nothing is read from the websocket until the last poll ends.
func (c *Client) upgrade(ctx context.Context, poll *longpoll.Client, wsURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := poll.Flush(ctx); err != nil {
		return err
	}
	ws, err := websocket.NewClient(ctx, wsURL+"?sid="+url.QueryEscape(poll.Sid()), websocket.Options{Logger: c.log})
	if err != nil {
		return err
	}
	select {
	case <-poll.Done():
	case <-time.After(10 * time.Second):
		ws.Close()
		poll.Close()
		go c.Close()
		return errHandover
	}
	c.t, c.kind = ws, Websocket
	ws.OnMessage = func(m []byte, _ error) { c.deliver(m) }
	ws.Listen()
	go c.watch(ws)
	c.log.Debug().Msg("upgraded to websocket")
	return nil
}

// watch closes the client when its current transport is gone.
func (c *Client) watch(t transport) {
	<-t.Done()
	c.mu.Lock()
	current := c.t == t
	c.mu.Unlock()
	if current {
		c.Close()
	}
}

func (c *Client) deliver(m []byte) {
	in, err := api.DecodeEvent(m)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad event")
		return
	}
	select {
	case c.events <- in:
	case <-c.done:
	}
}

// Send sends a request of the kind with the payload.
func (c *Client) Send(t api.Kind, payload any) error {
	msg, err := api.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(msg)
}

func (c *Client) SendRaw(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Write(msg)
}

func (c *Client) CreateSession(mode string) error {
	if mode == api.ModeDefault {
		return c.Send(api.CreateSession, nil)
	}
	return c.Send(api.CreateSession, api.CreateSessionRequest{Mode: mode})
}

func (c *Client) JoinSession(id string) error {
	return c.Send(api.JoinSession, api.JoinSessionRequest{SessionId: id})
}

// Signal sends a peer connection descriptor to the other side of the session.
func (c *Client) Signal(id string, d api.Descriptor) error {
	signal, err := json.Marshal(d)
	if err != nil {
		return err
	}
	raw, err := api.Encode(api.Signal, api.SignalRequest{SessionId: id, Signal: signal})
	if err != nil {
		return err
	}
	return c.SendRaw(raw)
}

// Events returns the server events in the order of arrival.
func (c *Client) Events() <-chan api.In { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Transport() string { c.mu.Lock(); defer c.mu.Unlock(); return c.kind }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		t := c.t
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
	})
}
