package longpoll

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/camlink/camlink/pkg/logger"
	"github.com/goccy/go-json"
)

// Client is the client side of a long-poll connection.
type Client struct {
	address string
	sid     string
	wait    time.Duration
	http    *http.Client

	send chan []byte

	// OnMessage is called for each received message in order.
	OnMessage func(message []byte)

	// unsent counts the messages which haven't been posted yet
	unsent sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	log    *logger.Logger
}

// Dial opens a long-poll connection at the address (http://host/path/poll).
func Dial(ctx context.Context, address string, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	rq, err := http.NewRequestWithContext(ctx, http.MethodPost, address, nil)
	if err != nil {
		return nil, err
	}
	rs, err := http.DefaultClient.Do(rq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Body.Close() }()
	if rs.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll open: %v", rs.Status)
	}
	var o opened
	if err = json.NewDecoder(rs.Body).Decode(&o); err != nil {
		return nil, fmt.Errorf("poll open: %w", err)
	}
	wait := time.Duration(o.Wait) * time.Millisecond
	if wait <= 0 {
		wait = defaultWait
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &Client{
		address: address,
		sid:     o.Sid,
		wait:    wait,
		http:    &http.Client{Timeout: wait + 10*time.Second},
		send:    make(chan []byte, maxQueueSize),
		ctx:     cctx,
		cancel:  cancel,
		log:     log,
	}, nil
}

// Sid is the connection id given by the server.
func (c *Client) Sid() string { return c.sid }

func (c *Client) Listen() {
	go c.poller()
	go c.sender()
}

func (c *Client) url() string {
	u, err := url.Parse(c.address)
	if err != nil {
		return c.address
	}
	q := u.Query()
	q.Set("sid", c.sid)
	u.RawQuery = q.Encode()
	return u.String()
}

// poller ends when the server closes or upgrades the connection.
func (c *Client) poller() {
	defer c.Close()
	for c.ctx.Err() == nil {
		batch, err := c.poll()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("poll fail")
			}
			return
		}
		for _, m := range batch {
			if c.OnMessage != nil {
				c.OnMessage(m)
			}
		}
	}
}

func (c *Client) poll() ([]json.RawMessage, error) {
	rq, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return nil, err
	}
	rs, err := c.http.Do(rq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Body.Close() }()
	if rs.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: %v", rs.Status)
	}
	var batch []json.RawMessage
	if err = json.NewDecoder(rs.Body).Decode(&batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// sender posts the queued messages in batches.
func (c *Client) sender() {
	defer c.Close()
	for {
		var batch [][]byte
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.send:
			batch = append(batch, m)
		}
	more:
		for {
			select {
			case m := <-c.send:
				batch = append(batch, m)
			default:
				break more
			}
		}
		err := c.post(batch)
		for range batch {
			c.unsent.Done()
		}
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("poll send fail")
			}
			return
		}
	}
}

func (c *Client) post(batch [][]byte) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(bytes.Join(batch, []byte{','}))
	buf.WriteByte(']')
	rq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url(), &buf)
	if err != nil {
		return err
	}
	rq.Header.Set("Content-Type", "application/json")
	rs, err := c.http.Do(rq)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, rs.Body)
	_ = rs.Body.Close()
	if rs.StatusCode != http.StatusNoContent && rs.StatusCode != http.StatusOK {
		return fmt.Errorf("poll send: %v", rs.Status)
	}
	return nil
}

func (c *Client) Write(data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	c.unsent.Add(1)
	select {
	case c.send <- data:
		return nil
	default:
		c.unsent.Done()
		c.Close()
		return ErrQueueFull
	}
}

// Close stops polling and tells the server the connection is gone.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(), nil)
		if err != nil {
			return
		}
		if rs, err := c.http.Do(rq); err == nil {
			_ = rs.Body.Close()
		}
	})
}

// Flush waits until every written message is posted.
// No writes should be made meanwhile.
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() { c.unsent.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }
