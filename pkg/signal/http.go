package signal

import (
	"net/http"
	"strconv"

	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/link"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/network/httpx"
	"github.com/camlink/camlink/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRoutes makes the HTTP routes of the signaling server.
// The handler is mounted on each of the paths.
func NewRoutes(h *Handler, conf config.Signal) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	for _, path := range conf.Paths {
		h.Mount(r, path)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/pair/qr", qr(h.router.Registry(), conf.Origin, h.log))
	if conf.Static != "" {
		r.Handle("/*", httpx.FileServer(conf.Static))
	}
	return r
}

func NewHTTPServer(conf config.Config, h *Handler, log *logger.Logger) (*httpx.Server, error) {
	return httpx.NewServer(
		conf.Server.GetAddr(),
		func(*httpx.Server) http.Handler { return NewRoutes(h, conf.Signal) },
		httpx.WithServerConfig(conf.Server),
		httpx.WithPortRoll(conf.Server.PortRoll),
		httpx.WithLogger(log),
	)
}

// qr renders the pairing link of a pending session,
// GET /pair/qr?sessionId=&size=
func qr(reg *session.Registry, origin string, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := session.ParseId(r.URL.Query().Get(link.Param))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		info, ok := reg.Get(id)
		if !ok || info.State != session.Pending {
			http.NotFound(w, r)
			return
		}
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		if size > 1024 {
			size = 1024
		}
		img, err := link.QR(link.Build(origin, id), size)
		if err != nil {
			log.Error().Err(err).Msg("qr")
			http.Error(w, "qr fail", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(img)
	}
}
