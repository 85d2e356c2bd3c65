package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "camlink"

// Metrics counts the signaling activity.
// It observes both the session registry and the signal router.
type Metrics struct {
	created  prometheus.Counter
	paired   prometheus.Counter
	expired  prometheus.Counter
	closed   prometheus.Counter
	relayed  prometheus.Counter
	dropped  prometheus.Counter
	sessions prometheus.Gauge
	conns    *prometheus.GaugeVec
	upgrades prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "session", Name: name, Help: help})
	}
	m := &Metrics{
		created: counter("created_total", "Sessions created."),
		paired:  counter("paired_total", "Sessions joined by a mobile."),
		expired: counter("expired_total", "Sessions nobody joined in time."),
		closed:  counter("closed_total", "Sessions closed on disconnect."),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "relayed_total", Help: "Signals relayed to the other peer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "dropped_total", Help: "Signals dropped without the other peer.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "active", Help: "Sessions in the registry.",
		}),
		conns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signal", Name: "connections", Help: "Open signaling connections.",
		}, []string{"transport"}),
		upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "upgrades_total", Help: "Polling connections moved to websocket.",
		}),
	}
	reg.MustRegister(m.created, m.paired, m.expired, m.closed, m.relayed, m.dropped, m.sessions, m.conns, m.upgrades)
	return m
}

func (m *Metrics) Created() { m.created.Inc(); m.sessions.Inc() }
func (m *Metrics) Paired()  { m.paired.Inc() }
func (m *Metrics) Expired() { m.expired.Inc(); m.sessions.Dec() }
func (m *Metrics) Closed()  { m.closed.Inc(); m.sessions.Dec() }
func (m *Metrics) Relayed() { m.relayed.Inc() }
func (m *Metrics) Dropped() { m.dropped.Inc() }

func (m *Metrics) Connected(transport string)    { m.conns.WithLabelValues(transport).Inc() }
func (m *Metrics) Disconnected(transport string) { m.conns.WithLabelValues(transport).Dec() }

// Upgraded moves a connection from polling to websocket.
func (m *Metrics) Upgraded() {
	m.upgrades.Inc()
	m.conns.WithLabelValues("polling").Dec()
	m.conns.WithLabelValues("websocket").Inc()
}
