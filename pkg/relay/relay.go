// Package relay is the signaling server application.
package relay

import (
	"context"
	"fmt"

	"github.com/camlink/camlink/pkg/config"
	"github.com/camlink/camlink/pkg/logger"
	"github.com/camlink/camlink/pkg/monitoring"
	"github.com/camlink/camlink/pkg/network/httpx"
	"github.com/camlink/camlink/pkg/os"
	"github.com/camlink/camlink/pkg/service"
	"github.com/camlink/camlink/pkg/session"
	"github.com/camlink/camlink/pkg/signal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Relay struct {
	conf     config.Config
	router   *signal.Router
	handler  *signal.Handler
	server   *httpx.Server
	services service.Group
	lock     *os.Flock
	log      *logger.Logger
}

// New builds the server. The config file at the path (if any) is watched
// and its session timeout is applied to the new sessions on the fly.
func New(conf config.Config, path string, log *logger.Logger) (*Relay, error) {
	r := &Relay{conf: conf, log: log}

	if conf.Server.Lock != "" {
		lock, err := os.NewFileLock(conf.Server.Lock)
		if err != nil {
			return nil, err
		}
		if err = lock.TryLock(); err != nil {
			return nil, fmt.Errorf("%v: %w", lock.Path(), err)
		}
		r.lock = lock
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	r.router = signal.NewRouter(
		[]session.Option{
			session.WithTimeout(conf.Session.Timeout),
			session.WithObserver(metrics),
			session.WithLogger(log),
		},
		signal.WithQrTimeout(conf.Session.QrTimeout),
		signal.WithObserver(metrics),
		signal.WithLogger(log),
	)
	r.handler = signal.NewHandler(r.router, signal.HandlerOptions{
		PollWait:  conf.Signal.PollWait,
		PingWait:  conf.Signal.PingWait,
		QueueSize: conf.Signal.QueueSize,
	})
	server, err := signal.NewHTTPServer(conf, r.handler, log)
	if err != nil {
		r.unlock()
		return nil, err
	}
	r.server = server

	r.services.Add(&httpService{server}, &routerService{r.router, r.handler})
	if path != "" {
		r.services.Add(&watchService{path: path, reg: r.router.Registry(), log: log})
	}
	if conf.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Monitoring, reg, log)
		if err != nil {
			r.unlock()
			return nil, err
		}
		r.services.Add(mon)
	}
	return r, nil
}

func (r *Relay) Start() {
	r.log.Info().Msgf("Signaling at %v on %v", r.server, r.conf.Signal.Paths)
	r.services.Start()
}

func (r *Relay) Shutdown(ctx context.Context) error {
	err := r.services.Shutdown(ctx)
	r.unlock()
	return err
}

// Port is the port of the HTTP server.
func (r *Relay) Port() int { return r.server.GetPort() }

func (r *Relay) Router() *signal.Router { return r.router }

func (r *Relay) unlock() {
	if r.lock != nil {
		_ = r.lock.Unlock()
	}
}

type httpService struct{ *httpx.Server }

func (s *httpService) Shutdown(context.Context) error { return s.Stop() }

// routerService drops every session and connection on shutdown.
type routerService struct {
	router  *signal.Router
	handler *signal.Handler
}

func (s *routerService) Run() {}
func (s *routerService) Shutdown(context.Context) error {
	s.handler.Close()
	return s.router.Close()
}
func (s *routerService) String() string { return s.router.String() }

type watchService struct {
	path   string
	reg    *session.Registry
	cancel context.CancelFunc
	done   chan struct{}
	log    *logger.Logger
}

func (w *watchService) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel, w.done = cancel, make(chan struct{})
	go func() {
		defer close(w.done)
		err := config.Watch(ctx, w.path, func(c config.Config) {
			if c.Session.Timeout != w.reg.Timeout() {
				w.log.Info().Dur("timeout", c.Session.Timeout).Msg("Session timeout has been changed")
				w.reg.SetTimeout(c.Session.Timeout)
			}
		}, w.log)
		if err != nil {
			w.log.Error().Err(err).Msg("config watch")
		}
	}()
}

func (w *watchService) Shutdown(context.Context) error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return nil
}

func (w *watchService) String() string { return "config watch " + w.path }
