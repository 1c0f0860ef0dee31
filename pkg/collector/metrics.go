package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostwatch_collector"

// Metrics are the collector's operational counters.
type Metrics struct {
	Registrations   prometheus.Counter
	Updates         *prometheus.CounterVec
	EventsStored    prometheus.Counter
	EventsRejected  prometheus.Counter
	AlertsEmitted   prometheus.Counter
	AgentConns      prometheus.Gauge
	Observers       prometheus.Gauge
	ObserverDropped prometheus.Counter
}

// Update outcomes.
const (
	resultAccepted     = "accepted"
	resultUnknownAgent = "unknown_agent"
	resultStoreError   = "store_error"
	resultMalformed    = "malformed"
)

// NewMetrics creates the collector metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total",
			Help: "Agent registrations received.",
		}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "updates_total",
			Help: "Agent updates received, by outcome.",
		}, []string{"result"}),
		EventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_stored_total",
			Help: "Scored events appended to the store.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Malformed events dropped from otherwise valid updates.",
		}),
		AlertsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_emitted_total",
			Help: "Alert messages broadcast to observers.",
		}),
		AgentConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agent_connections",
			Help: "Open agent connections.",
		}),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "observer_connections",
			Help: "Open observer connections.",
		}),
		ObserverDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "observer_dropped_total",
			Help: "Broadcasts dropped for slow observers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Registrations, m.Updates, m.EventsStored, m.EventsRejected,
			m.AlertsEmitted, m.AgentConns, m.Observers, m.ObserverDropped,
		)
	}
	return m
}

// registryCollector exports per-agent aggregate state at scrape time.
type registryCollector struct {
	registry          *Registry
	riskScore         *prometheus.Desc
	behaviorAnomalies *prometheus.Desc
	dataUsage         *prometheus.Desc
	recentLogs        *prometheus.Desc
}

func newRegistryCollector(r *Registry) *registryCollector {
	labels := []string{"agent_id", "system_name"}
	return &registryCollector{
		registry: r,
		riskScore: prometheus.NewDesc(namespace+"_agent_risk_score",
			"Risk score of the agent's latest update.", labels, nil),
		behaviorAnomalies: prometheus.NewDesc(namespace+"_agent_behavior_anomalies",
			"Suspicious events in the agent's latest update.", labels, nil),
		dataUsage: prometheus.NewDesc(namespace+"_agent_daily_data_usage_mb",
			"Network usage reported by the agent for the current day.", labels, nil),
		recentLogs: prometheus.NewDesc(namespace+"_agent_recent_logs",
			"Events in the agent's recent window.", labels, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.riskScore
	ch <- c.behaviorAnomalies
	ch <- c.dataUsage
	ch <- c.recentLogs
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.registry.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.riskScore, prometheus.GaugeValue, st.RiskScore, st.AgentID, st.SystemName)
		ch <- prometheus.MustNewConstMetric(c.behaviorAnomalies, prometheus.GaugeValue, float64(st.BehaviorAnomalies), st.AgentID, st.SystemName)
		ch <- prometheus.MustNewConstMetric(c.dataUsage, prometheus.GaugeValue, st.DataUsage, st.AgentID, st.SystemName)
		ch <- prometheus.MustNewConstMetric(c.recentLogs, prometheus.GaugeValue, float64(st.TotalLogs), st.AgentID, st.SystemName)
	}
}
