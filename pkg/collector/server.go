package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second

	// topicSnapshot is sent once to a new observer with every known agent.
	topicSnapshot events.Topic = "snapshot"
)

// Subscriber is the part of the event bus an observer connection needs.
type Subscriber interface {
	Subscribe(handler events.EventHandler)
	Unsubscribe(handler events.EventHandler)
}

// Server exposes the agent and observer sockets and the query API.
type Server struct {
	collector *Collector
	bus       Subscriber
	cfg       config.CollectorConfig
	logger    zerolog.Logger
	engine    *gin.Engine
	upgrader  websocket.Upgrader
	gatherer  prometheus.Gatherer
}

// NewServer builds the HTTP routes. promReg receives the per-agent registry
// collector and is served on /metrics.
func NewServer(c *Collector, bus Subscriber, cfg config.CollectorConfig, promReg *prometheus.Registry, logger zerolog.Logger) *Server {
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 64
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = events.DefaultMaxMessageBytes
	}
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	promReg.MustRegister(newRegistryCollector(c.Registry()))

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		collector: c,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With().Str("component", "collector_server").Logger(),
		engine:    gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		gatherer: promReg,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:id", s.getAgent)

	ws := s.engine.Group("/ws")
	ws.GET("/agent", s.serveAgent)
	ws.GET("/observer", s.serveObserver)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("Collector server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("Collector server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"agents": s.collector.Registry().Len(),
	})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Registry().Snapshot())
}

func (s *Server) getAgent(c *gin.Context) {
	st, ok := s.collector.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownAgent.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// serveAgent handles one agent connection. Messages from a connection are
// applied strictly in arrival order.
func (s *Server) serveAgent(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Agent upgrade failed")
		return
	}
	ctx := c.Request.Context()
	connID := uuid.NewString()
	limiter := s.collector.Validator().Limiter(connID)
	metrics := s.collector.Metrics()
	metrics.AgentConns.Inc()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		s.collector.Validator().Forget(connID)
		metrics.AgentConns.Dec()
	}()

	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	log := s.logger.With().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("Agent connected")

	var agentID string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("Agent connection lost")
			} else {
				log.Info().Str("agent_id", agentID).Msg("Agent disconnected")
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.collector.Rejected(ctx, agentID, err)
			continue
		}

		switch env.Type {
		case events.MessageRegister:
			reg, err := DecodeRegistration(env.Data)
			if err != nil {
				s.collector.Rejected(ctx, agentID, err)
				continue
			}
			agentID = reg.AgentID
			s.collector.Register(ctx, reg)
		case events.MessageLogUpdate:
			upd, dropped, err := DecodeUpdate(env.Data)
			if err != nil {
				s.collector.Rejected(ctx, agentID, err)
				continue
			}
			if dropped > 0 {
				metrics.EventsRejected.Add(float64(dropped))
				log.Warn().Str("agent_id", upd.AgentID).Int("dropped", dropped).Msg("Dropped undecodable events")
			}
			s.collector.Ingest(ctx, upd)
		default:
			log.Warn().Str("type", env.Type).Msg("Ignoring unknown message type")
		}
	}
}

// observer relays bus broadcasts to one socket. A slow observer loses
// messages rather than stalling the bus.
type observer struct {
	out     chan events.Broadcast
	dropped prometheus.Counter
}

func (o *observer) Topics() []events.Topic {
	return []events.Topic{events.TopicAgentRegistered, events.TopicLogUpdate, events.TopicAlert}
}

func (o *observer) Handle(_ context.Context, msg events.Broadcast) error {
	select {
	case o.out <- msg:
	default:
		o.dropped.Inc()
	}
	return nil
}

func (s *Server) serveObserver(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Observer upgrade failed")
		return
	}
	ctx := c.Request.Context()
	metrics := s.collector.Metrics()
	metrics.Observers.Inc()
	defer metrics.Observers.Dec()
	defer conn.Close()

	obs := &observer{out: make(chan events.Broadcast, s.cfg.ObserverBuffer), dropped: metrics.ObserverDropped}
	s.bus.Subscribe(obs)
	defer s.bus.Unsubscribe(obs)

	snapshot := events.Broadcast{
		ID:        uuid.NewString(),
		Type:      topicSnapshot,
		Timestamp: time.Now().UTC(),
		Data:      s.collector.Registry().Snapshot(),
	}
	if err := writeJSON(conn, snapshot); err != nil {
		return
	}

	// Observers only listen; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-obs.out:
			if err := writeJSON(conn, msg); err != nil {
				s.logger.Debug().Err(err).Msg("Observer write failed")
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeWait))
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
