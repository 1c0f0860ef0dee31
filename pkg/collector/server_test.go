package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucid-vigil/hostwatch/pkg/buffer"
	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/lucid-vigil/hostwatch/pkg/store"
	"github.com/lucid-vigil/hostwatch/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	http      *httptest.Server
	collector *Collector
	bus       *events.EventBus
	store     *store.MemoryStore
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	return startServerWith(t, config.CollectorConfig{ObserverBuffer: 16})
}

func startServerWith(t *testing.T, cfg config.CollectorConfig) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.NewEventBus(zerolog.Nop(), 100)
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	promReg := prometheus.NewRegistry()
	st := store.NewMemoryStore()
	c := New(st, bus, Options{Logger: zerolog.Nop(), Metrics: NewMetrics(promReg)})
	srv := NewServer(c, bus, cfg, promReg, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, collector: c, bus: bus, store: st}
}

func (s *testServer) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + path
}

func (s *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	env, err := events.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

type wireBroadcast struct {
	Type    events.Topic    `json:"type"`
	AgentID string          `json:"agent_id"`
	Data    json.RawMessage `json:"data"`
}

func readBroadcast(t *testing.T, conn *websocket.Conn) wireBroadcast {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireBroadcast
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_AgentToObserverFlow(t *testing.T) {
	s := startServer(t)

	observer := s.dial(t, "/ws/observer")
	snap := readBroadcast(t, observer)
	assert.Equal(t, topicSnapshot, snap.Type)
	assert.JSONEq(t, `[]`, string(snap.Data))

	agent := s.dial(t, "/ws/agent")
	send(t, agent, events.MessageRegister, registration("a1"))
	send(t, agent, events.MessageLogUpdate, update("a1", scored(1, 0.1), scored(2, 0.4), scored(3, 0.9)))

	reg := readBroadcast(t, observer)
	assert.Equal(t, events.TopicAgentRegistered, reg.Type)
	assert.Equal(t, "a1", reg.AgentID)

	upd := readBroadcast(t, observer)
	require.Equal(t, events.TopicLogUpdate, upd.Type)
	var state events.AgentState
	require.NoError(t, json.Unmarshal(upd.Data, &state))
	assert.Equal(t, 2, state.BehaviorAnomalies)
	assert.Equal(t, 3, state.TotalLogs)

	for i := 0; i < 2; i++ {
		alert := readBroadcast(t, observer)
		assert.Equal(t, events.TopicAlert, alert.Type)
		assert.Contains(t, string(alert.Data), "Suspicious activity detected on a1")
	}
}

func TestServer_QueryAPI(t *testing.T) {
	s := startServer(t)
	s.collector.Register(context.Background(), registration("a1"))

	resp, err := http.Get(s.http.URL + "/api/agents/a1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var st events.AgentState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "host-a1", st.SystemName)

	missing, err := http.Get(s.http.URL + "/api/agents/nobody")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	list, err := http.Get(s.http.URL + "/api/agents")
	require.NoError(t, err)
	defer list.Body.Close()
	var all []events.AgentState
	require.NoError(t, json.NewDecoder(list.Body).Decode(&all))
	assert.Len(t, all, 1)
}

func TestServer_Metrics(t *testing.T) {
	s := startServer(t)
	s.collector.Register(context.Background(), registration("a1"))

	resp, err := http.Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "hostwatch_collector_registrations_total 1")
	assert.Contains(t, string(body), `hostwatch_collector_agent_risk_score{agent_id="a1",system_name="host-a1"} 0`)
}

func TestServer_MalformedMessagesKeepConnection(t *testing.T) {
	s := startServer(t)
	agent := s.dial(t, "/ws/agent")

	require.NoError(t, agent.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, agent, events.MessageLogUpdate, map[string]string{"status": "no id"})
	send(t, agent, "bogus", map[string]string{})
	send(t, agent, events.MessageRegister, registration("a2"))

	require.Eventually(t, func() bool {
		_, ok := s.collector.Registry().Get("a2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

type idleHost struct{}

func (idleHost) Latest() sampler.Sample { return sampler.Sample{} }
func (idleHost) CPUTrend() []float64    { return []float64{0, 0, 0, 0, 0} }
func (idleHost) DailyUsageMB() float64  { return 0 }

func TestServer_LargeDrainDeliveredInChunks(t *testing.T) {
	const (
		limit = 64 << 10
		total = 4000
	)
	s := startServerWith(t, config.CollectorConfig{ObserverBuffer: 16, MaxMessageBytes: limit})

	// About 170 bytes per event on the wire, roughly ten times the read limit.
	buf := buffer.New()
	for i := 0; i < total; i++ {
		buf.Append(events.NewScoredEvent(t0.Add(time.Duration(i)*time.Second), events.ActivityFileCreated,
			fmt.Sprintf("File created: /home/alice/project/node_modules/pkg-%d/index.js", i), 0.1, nil))
	}

	client := stream.NewClient(&stream.WSDialer{WriteTimeout: time.Second}, buf, idleHost{}, stream.Options{
		URL:             s.wsURL("/ws/agent"),
		Identity:        registration("a1").Identity,
		Status:          "Active",
		UpdateInterval:  10 * time.Millisecond,
		ConnectTimeout:  time.Second,
		MaxMessageBytes: limit,
		Logger:          zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return s.store.Count("a1") == total }, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	status := client.Status()
	assert.Equal(t, int64(total), status.EventsSent)
	assert.Zero(t, status.EventsLost)
	assert.Greater(t, status.UpdatesSent, int64(total/500), "byte limit must split below the event limit")

	state, ok := s.collector.Registry().Get("a1")
	require.True(t, ok)
	require.NotEmpty(t, state.Logs)
	assert.Equal(t, fmt.Sprintf("File created: /home/alice/project/node_modules/pkg-%d/index.js", total-1), state.Logs[0].Details)
}
