package stream

import "github.com/prometheus/client_golang/prometheus"

// Metrics instrument the streaming client.
type Metrics struct {
	Connects        prometheus.Counter
	ConnectFailures prometheus.Counter
	UpdatesSent     prometheus.Counter
	EventsSent      prometheus.Counter
	EventsLost      prometheus.Counter
	State           prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostwatch_agent", Name: "connects_total",
			Help: "Successful connections to the collector.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostwatch_agent", Name: "connect_failures_total",
			Help: "Failed connection attempts.",
		}),
		UpdatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostwatch_agent", Name: "updates_sent_total",
			Help: "Updates delivered to the collector, heartbeats included.",
		}),
		EventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostwatch_agent", Name: "events_sent_total",
			Help: "Scored events delivered to the collector.",
		}),
		EventsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hostwatch_agent", Name: "events_lost_total",
			Help: "Drained events lost because their update failed to send.",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hostwatch_agent", Name: "stream_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 failed, 4 stopped.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connects, m.ConnectFailures, m.UpdatesSent, m.EventsSent, m.EventsLost, m.State)
	}
	return m
}

func (m *Metrics) setState(s State) {
	m.State.Set(float64(s))
}
