package signal

import (
	"sync"

	"github.com/camlink/camlink/pkg/com"
	"github.com/camlink/camlink/pkg/logger"
)

const (
	Websocket = "websocket"
	Polling   = "polling"
)

// transport is a message pipe of a connection.
type transport interface {
	Write([]byte) error
	Close()
	Done() <-chan struct{}
}

// logical is a connection which keeps its id
// when the transport under it changes.
type logical struct {
	id com.Uid

	mu   sync.Mutex
	t    transport
	kind string
}

func newLogical(id com.Uid, t transport, kind string) *logical {
	return &logical{id: id, t: t, kind: kind}
}

func (c *logical) Id() com.Uid { return c.id }

func (c *logical) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Write(msg)
}

func (c *logical) Close() {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	t.Close()
}

func (c *logical) Transport() string { c.mu.Lock(); defer c.mu.Unlock(); return c.kind }

// switchTo replaces the transport if the old one could be detached,
// the pending messages of the old one are sent first so nothing is reordered.
func (c *logical) switchTo(t transport, kind string, detach func() ([][]byte, bool), log *logger.Logger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := detach()
	if !ok {
		return false
	}
	c.t, c.kind = t, kind
	for i, m := range pending {
		if err := t.Write(m); err != nil {
			log.Warn().Err(err).Str(logger.ClientField, c.id.Short()).
				Msgf("lost %v of %v queued messages on the upgrade", len(pending)-i, len(pending))
			break
		}
	}
	return true
}

func (c *logical) is(t transport) bool { c.mu.Lock(); defer c.mu.Unlock(); return c.t == t }

// watch disconnects the client when its current transport is closed.
func (r *Router) watch(c *logical, t transport) {
	<-t.Done()
	if c.is(t) {
		r.Disconnect(c)
	}
}
