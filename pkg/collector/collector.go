package collector

import (
	"context"
	"errors"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/store"
	"github.com/rs/zerolog"
)

const component = "collector"

var (
	ErrUnknownAgent    = errors.New("agent is not registered")
	ErrMalformedUpdate = errors.New("malformed update")
	ErrMissingAgentID  = errors.New("agent_id is required")
)

// Publisher fans broadcasts out to observers.
type Publisher interface {
	Publish(msg events.Broadcast) error
}

type Options struct {
	Registry  *Registry
	Validator *events.EventValidator
	Faults    *faults.Handler
	Metrics   *Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Collector ingests agent registrations and updates, keeps the per-agent
// aggregate state and broadcasts every change.
type Collector struct {
	store     store.Store
	bus       Publisher
	registry  *Registry
	validator *events.EventValidator
	faults    *faults.Handler
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func New(st store.Store, bus Publisher, opts Options) *Collector {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Validator == nil {
		opts.Validator = events.NewEventValidator(0, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		store:     st,
		bus:       bus,
		registry:  opts.Registry,
		validator: opts.Validator,
		faults:    opts.Faults,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", component).Logger(),
		now:       opts.Now,
	}
}

func (c *Collector) Registry() *Registry { return c.registry }

func (c *Collector) Validator() *events.EventValidator { return c.validator }

func (c *Collector) Metrics() *Metrics { return c.metrics }

// Register creates or resets the registry entry for an agent and announces
// it. A repeated registration discards the previous aggregate state.
func (c *Collector) Register(ctx context.Context, reg events.Registration) {
	if reg.AgentID == "" {
		c.fault(ctx, "register", "", ErrMissingAgentID, nil)
		return
	}

	now := c.now().UTC()
	e, created := c.registry.upsert(reg, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !created {
		e.reset(reg, now)
	}
	c.metrics.Registrations.Inc()

	c.logger.Info().
		Str("agent_id", reg.AgentID).
		Str("system_name", reg.SystemName).
		Str("version", reg.Version).
		Bool("reregistered", !created).
		Msg("Agent registered")

	c.publish(ctx, events.TopicAgentRegistered, reg.AgentID, e.state.Clone())
}

// Ingest applies one update from a registered agent. Updates from unknown
// agents are logged and discarded. Events that fail validation are dropped
// individually; the rest of the update is still applied.
func (c *Collector) Ingest(ctx context.Context, upd events.Update) {
	agentID := upd.AgentID
	e, ok := c.registry.lookup(agentID)
	if !ok {
		c.metrics.Updates.WithLabelValues(resultUnknownAgent).Inc()
		c.fault(ctx, "ingest", agentID, ErrUnknownAgent, nil)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	accepted := make([]events.ScoredEvent, 0, len(upd.Logs))
	for i := range upd.Logs {
		ev := upd.Logs[i]
		if err := c.validator.ValidateEvent(&ev); err != nil {
			c.metrics.EventsRejected.Inc()
			c.logger.Warn().Err(err).Str("agent_id", agentID).Int("index", i).Msg("Dropping malformed event")
			continue
		}
		accepted = append(accepted, ev)
	}

	if err := c.store.AppendMany(ctx, agentID, accepted); err != nil {
		c.metrics.Updates.WithLabelValues(resultStoreError).Inc()
		c.fault(ctx, "append", agentID, err, map[string]interface{}{"events": len(accepted)})
		return
	}
	c.metrics.EventsStored.Add(float64(len(accepted)))

	window, err := c.store.QueryRecent(ctx, agentID, events.RecentWindowSize)
	if err != nil {
		c.metrics.Updates.WithLabelValues(resultStoreError).Inc()
		c.fault(ctx, "query_recent", agentID, err, nil)
		return
	}

	st := &e.state
	st.SystemName = upd.SystemName
	st.Version = upd.Version
	st.CurrentUser = upd.CurrentUser
	st.Status = upd.Status
	st.DataUsage = upd.NetworkTraffic.DailyUsage
	st.BehaviorAnomalies = len(upd.Analysis.SuspiciousPatterns)
	st.RiskScore = upd.Analysis.RiskScore
	st.TotalLogs = len(window)
	st.Logs = window
	at := c.now().UTC()
	st.LastUpdateAt = &at
	c.metrics.Updates.WithLabelValues(resultAccepted).Inc()

	c.logger.Debug().
		Str("agent_id", agentID).
		Int("events", len(accepted)).
		Int("window", len(window)).
		Float64("risk_score", st.RiskScore).
		Msg("Update ingested")

	c.publish(ctx, events.TopicLogUpdate, agentID, st.Clone())

	for _, ev := range window {
		if ev.AnomalyScore <= events.AlertThreshold {
			continue
		}
		alert := events.NewAlert(agentID, ev)
		c.metrics.AlertsEmitted.Inc()
		c.logger.Warn().
			Str("agent_id", agentID).
			Str("activity", string(ev.Activity)).
			Float64("anomaly_score", ev.AnomalyScore).
			Msg(alert.Message)
		c.publish(ctx, events.TopicAlert, agentID, alert)
	}
}

// Rejected records an update that could not be decoded at all.
func (c *Collector) Rejected(ctx context.Context, agentID string, err error) {
	c.metrics.Updates.WithLabelValues(resultMalformed).Inc()
	c.fault(ctx, "decode", agentID, err, nil)
}

func (c *Collector) publish(ctx context.Context, topic events.Topic, agentID string, data interface{}) {
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(events.Broadcast{
		Type:      topic,
		AgentID:   agentID,
		Timestamp: c.now().UTC(),
		Data:      data,
	})
	if err != nil {
		c.fault(ctx, "broadcast", agentID, err, map[string]interface{}{"topic": string(topic)})
	}
}

func (c *Collector) fault(ctx context.Context, op, agentID string, err error, details map[string]interface{}) {
	if c.faults == nil {
		c.logger.Warn().Err(err).Str("operation", op).Str("agent_id", agentID).Msg("Ingestion failure")
		return
	}
	_ = c.faults.Handle(ctx, faults.NewIngestionFault(component, op, agentID, err, details))
}
