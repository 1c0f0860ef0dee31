package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/buffer"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/rs/zerolog"
)

const component = "stream_client"

var (
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
	ErrStopped          = errors.New("stream client stopped")

	errNotConnected = errors.New("not connected")
	errOversize     = errors.New("event exceeds the maximum message size")
)

// State of the connection to the collector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MetricsSource supplies the host readings carried by every update.
type MetricsSource interface {
	Latest() sampler.Sample
	CPUTrend() []float64
	DailyUsageMB() float64
}

// RetryPolicy bounds consecutive connection attempts. The delay doubles
// after each failure up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type Options struct {
	URL            string
	Identity       events.Identity
	Status         string
	UpdateInterval time.Duration
	ConnectTimeout time.Duration
	Retry          RetryPolicy
	// MaxBatchEvents and MaxMessageBytes bound a single update. A larger
	// drain is split across several updates. MaxMessageBytes must not
	// exceed the collector's read limit.
	MaxBatchEvents  int
	MaxMessageBytes int
	// StopEvent builds the final event recorded on shutdown. When nil an
	// unscored Stopped event is used.
	StopEvent func() events.ScoredEvent
	Faults    *faults.Handler
	Metrics   *Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Status is a point-in-time view of the client for health reporting.
type Status struct {
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	UpdatesSent int64      `json:"updates_sent"`
	EventsSent  int64      `json:"events_sent"`
	EventsLost  int64      `json:"events_lost"`
	LastError   string     `json:"last_error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Client streams buffered events to the collector.
type Client struct {
	dialer Dialer
	buf    *buffer.EventBuffer
	source MetricsSource
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	attempts    int
	updatesSent int64
	eventsSent  int64
	eventsLost  int64
	lastErr     error
	connectedAt time.Time
}

func NewClient(dialer Dialer, buf *buffer.EventBuffer, source MetricsSource, opts Options) *Client {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 10
	}
	if opts.MaxBatchEvents <= 0 {
		opts.MaxBatchEvents = 500
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = events.DefaultMaxMessageBytes
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		dialer: dialer,
		buf:    buf,
		source: source,
		opts:   opts,
		logger: opts.Logger.With().Str("component", component).Str("agent_id", opts.Identity.AgentID).Logger(),
		state:  StateDisconnected,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state.String(),
		Attempts:    c.attempts,
		UpdatesSent: c.updatesSent,
		EventsSent:  c.eventsSent,
		EventsLost:  c.eventsLost,
	}
	if !c.connectedAt.IsZero() {
		at := c.connectedAt
		st.ConnectedAt = &at
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.opts.Metrics.setState(s)
	if prev != s {
		c.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Stream state changed")
	}
}

// Run connects and streams updates until ctx is cancelled or the retry
// budget is exhausted. A lost connection is re-established with a fresh
// budget. Run returns nil on cancellation; call Shutdown afterwards.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.stream(ctx); err == nil {
			return nil
		}
	}
}

// connect dials until a connection is registered or the policy gives up.
func (c *Client) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.Retry.MaxAttempts; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		err := c.dialAndRegister(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.recordErr(err)
		c.opts.Metrics.ConnectFailures.Inc()
		c.fault(ctx, faults.NewTransportFault(component, "connect", c.opts.Identity.AgentID, err))

		if attempt == c.opts.Retry.MaxAttempts {
			break
		}
		c.setState(StateDisconnected)
		delay := c.opts.Retry.delay(attempt)
		c.logger.Warn().Int("attempt", attempt).Int("max_attempts", c.opts.Retry.MaxAttempts).
			Dur("retry_in", delay).Msg("Connection attempt failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	c.setState(StateFailed)
	c.fault(ctx, faults.NewRetriesExhaustedFault(component, c.opts.Identity.AgentID, c.opts.Retry.MaxAttempts, lastErr))
	return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.opts.Retry.MaxAttempts, lastErr)
}

func (c *Client) dialAndRegister(ctx context.Context) error {
	c.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.opts.URL)
	if err != nil {
		return err
	}
	env, err := events.NewEnvelope(events.MessageRegister, c.registration())
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.Send(env); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send registration: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.lastErr = nil
	c.connectedAt = c.opts.Now().UTC()
	c.mu.Unlock()
	c.setState(StateConnected)
	c.opts.Metrics.Connects.Inc()
	c.logger.Info().Str("url", c.opts.URL).Msg("Connected to collector")
	return nil
}

// stream sends an update on every tick. It returns nil when ctx is done and
// the send error when the connection is lost.
func (c *Client) stream(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.flush(); err != nil {
				c.fault(ctx, faults.NewTransportFault(component, "send_update", c.opts.Identity.AgentID, err))
				c.dropConn()
				c.setState(StateDisconnected)
				return err
			}
		}
	}
}

// flush drains the buffer and sends it as one or more updates, each within
// MaxBatchEvents and MaxMessageBytes. An empty drain still sends one
// heartbeat update. When a send fails the unsent remainder is lost.
func (c *Client) flush() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	batch := c.buf.Drain()
	for first := true; first || len(batch) > 0; first = false {
		env, n, err := c.nextChunk(batch)
		if errors.Is(err, errOversize) {
			c.lose(n, err)
			batch = batch[n:]
			continue
		}
		if err == nil {
			err = conn.Send(env)
		}
		if err != nil {
			c.lose(len(batch), err)
			return err
		}

		c.mu.Lock()
		c.updatesSent++
		c.eventsSent += int64(n)
		c.mu.Unlock()
		c.opts.Metrics.UpdatesSent.Inc()
		c.opts.Metrics.EventsSent.Add(float64(n))
		batch = batch[n:]
	}
	return nil
}

// nextChunk encodes the longest prefix of batch that fits both limits and
// returns it with its length. The prefix is halved until it fits; a single
// event that still does not fit is reported with errOversize.
func (c *Client) nextChunk(batch []events.ScoredEvent) (events.Envelope, int, error) {
	n := min(len(batch), c.opts.MaxBatchEvents)
	for {
		env, err := events.NewEnvelope(events.MessageLogUpdate, c.buildUpdate(batch[:n]))
		if err != nil {
			return events.Envelope{}, n, err
		}
		if env.Size() <= c.opts.MaxMessageBytes {
			return env, n, nil
		}
		if n <= 1 {
			return events.Envelope{}, n, fmt.Errorf("%w: %d > %d bytes", errOversize, env.Size(), c.opts.MaxMessageBytes)
		}
		n /= 2
	}
}

func (c *Client) lose(n int, err error) {
	c.recordErr(err)
	if n == 0 {
		return
	}
	c.mu.Lock()
	c.eventsLost += int64(n)
	c.mu.Unlock()
	c.opts.Metrics.EventsLost.Add(float64(n))
	c.logger.Error().Err(err).Int("events_lost", n).Msg("Update send failed, drained events were not delivered")
}

func (c *Client) buildUpdate(batch []events.ScoredEvent) events.Update {
	if batch == nil {
		batch = []events.ScoredEvent{}
	}
	// Analysis describes only the events carried by this update.
	latest := c.source.Latest()
	return events.Update{
		Registration:   c.registration(),
		Metrics:        events.MetricsFromFeatures(latest.Features),
		CPUTrend:       c.source.CPUTrend(),
		NetworkTraffic: events.NetworkTraffic{DailyUsage: c.source.DailyUsageMB()},
		Analysis:       events.Analyze(batch),
		Logs:           batch,
	}
}

func (c *Client) registration() events.Registration {
	return events.Registration{Identity: c.opts.Identity, Status: c.opts.Status}
}

// Shutdown records the stop event, makes one final attempt to deliver the
// buffer and closes the connection. The client ends in StateStopped.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.State() == StateStopped {
		return ErrStopped
	}
	c.buf.Append(c.stopEvent())

	var err error
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		err = c.dialAndRegister(ctx)
	}
	if err == nil {
		err = c.flush()
	}
	if err != nil {
		c.logger.Warn().Err(err).Int("buffered", c.buf.Len()).Msg("Final update not delivered")
	} else {
		c.logger.Info().Msg("Final update delivered")
	}

	c.dropConn()
	c.setState(StateStopped)
	return err
}

func (c *Client) stopEvent() events.ScoredEvent {
	if c.opts.StopEvent != nil {
		return c.opts.StopEvent()
	}
	return events.NewScoredEvent(c.opts.Now(), events.ActivityStopped, "Agent manually stopped", 0, nil)
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) fault(ctx context.Context, f *faults.Fault) {
	if c.opts.Faults == nil {
		c.logger.Warn().Err(f).Msg("Stream fault")
		return
	}
	_ = c.opts.Faults.Handle(ctx, f)
}
