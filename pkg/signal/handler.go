package signal

import (
	"net/http"
	"time"

	"github.com/camlink/camlink/pkg/com"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/network/longpoll"
	"github.com/camlink/camlink/pkg/network/websocket"
	"github.com/go-chi/chi/v5"
)

// Handler is the HTTP side of the router: the websocket and long-poll endpoints.
// One handler may be mounted on several paths, all of them share the router.
type Handler struct {
	router *Router
	poll   *longpoll.Server
	ws     websocket.Options
	log    *logger.Logger
}

type HandlerOptions struct {
	PollWait  time.Duration
	PingWait  time.Duration
	QueueSize int
}

func NewHandler(router *Router, opts HandlerOptions) *Handler {
	h := &Handler{
		router: router,
		ws: websocket.Options{
			PingPong:  true,
			PongTime:  opts.PingWait,
			QueueSize: opts.QueueSize,
			Logger:    router.log,
		},
		log: router.log,
	}
	h.poll = longpoll.NewServer(
		longpoll.WithWait(opts.PollWait),
		longpoll.WithQueueSize(opts.QueueSize),
		longpoll.WithLogger(router.log),
	)
	h.poll.OnConnect = h.onPollConnect
	return h
}

// Mount adds the endpoints under the path:
//
//	GET    {path}/ws         websocket, ?sid= upgrades a long-poll connection
//	POST   {path}/poll       long-poll open
//	GET    {path}/poll?sid=  long-poll receive
//	POST   {path}/poll?sid=  long-poll send
//	DELETE {path}/poll?sid=  long-poll close
func (h *Handler) Mount(r chi.Router, path string) {
	r.Route(path, func(r chi.Router) {
		r.Get("/ws", h.ServeWS)
		r.Handle("/poll", h.poll)
	})
}

func (h *Handler) onPollConnect(pc *longpoll.Conn) {
	c := newLogical(pc.Id(), pc, Polling)
	pc.OnMessage = func(m []byte) { h.router.Handle(c, m) }
	h.router.Connect(c)
	go h.router.watch(c, pc)
}

func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.NewServer(w, r, h.ws)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade fail")
		return
	}

	c := h.upgrade(r.URL.Query().Get("sid"), conn)
	if c == nil {
		c = newLogical(com.NewUid(), conn, Websocket)
		h.router.Connect(c)
	}
	conn.OnMessage = func(m []byte, _ error) { h.router.Handle(c, m) }
	conn.Listen()
	go h.router.watch(c, conn)
}

// upgrade moves a long-poll client to the websocket connection.
// The sid is the secret poll token, not the connection id.
func (h *Handler) upgrade(sid string, conn *websocket.Connection) *logical {
	if sid == "" {
		return nil
	}
	pc, ok := h.poll.Find(sid)
	if !ok {
		return nil
	}
	found, ok := h.router.Find(pc.Id())
	if !ok {
		return nil
	}
	c, ok := found.(*logical)
	if !ok || c.Transport() != Polling {
		return nil
	}
	if !c.switchTo(conn, Websocket, func() ([][]byte, bool) { return h.poll.Upgrade(sid) }, h.log) {
		return nil
	}
	h.router.observer.Upgraded()
	h.log.Debug().Str(logger.ClientField, c.Id().Short()).Msg("upgraded to websocket")
	return c
}

func (h *Handler) Close() { h.poll.Close() }
