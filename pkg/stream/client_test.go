package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucid-vigil/hostwatch/pkg/buffer"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	mu      sync.Mutex
	sent    []events.Envelope
	failing bool
	closed  bool
}

func (c *fakeConn) Send(env events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) setFailing() {
	c.mu.Lock()
	c.failing = true
	c.mu.Unlock()
}

func (c *fakeConn) envelopes() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.sent...)
}

// fakeDialer fails the first failures dials, then hands out fresh conns.
// onDial, when set, runs at the start of every attempt.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	onDial   func(attempt int)
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.onDial != nil {
		d.onDial(d.dials)
	}
	if d.failures < 0 || d.dials <= d.failures {
		return nil, errRefused
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type staticSource struct{}

func (staticSource) Latest() sampler.Sample {
	return sampler.Sample{Features: events.FeatureVector{CPUPercent: 42, MemoryPercent: 50}}
}
func (staticSource) CPUTrend() []float64   { return []float64{40, 41, 42, 42, 42} }
func (staticSource) DailyUsageMB() float64 { return 7.5 }

func testOptions(stats *faults.StatsCollector) Options {
	return Options{
		URL:            "ws://collector/ws/agent",
		Identity:       events.Identity{AgentID: "a1", SystemName: "host", Version: "1.0", CurrentUser: "alice"},
		Status:         "Active",
		UpdateInterval: 10 * time.Millisecond,
		ConnectTimeout: time.Second,
		Retry:          RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Faults:         faults.NewHandler(zerolog.Nop(), stats),
		Logger:         zerolog.Nop(),
	}
}

func decodeUpdate(t *testing.T, env events.Envelope) events.Update {
	t.Helper()
	require.Equal(t, events.MessageLogUpdate, env.Type)
	var upd events.Update
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	return upd
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 4*time.Second, p.delay(2))
	assert.Equal(t, 8*time.Second, p.delay(3))
	assert.Equal(t, 10*time.Second, p.delay(4))
	assert.Equal(t, 10*time.Second, p.delay(9))
}

func TestClient_RegistersThenSendsUpdates(t *testing.T) {
	dialer := &fakeDialer{}
	buf := buffer.New()
	c := NewClient(dialer, buf, staticSource{}, testOptions(faults.NewStatsCollector()))

	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityProcessStarted, "p", 0.4, nil))
	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, "f", 0.1, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn := dialer.conn(0)
		return conn != nil && len(conn.envelopes()) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sent := dialer.conn(0).envelopes()
	assert.Equal(t, events.MessageRegister, sent[0].Type)
	var reg events.Registration
	require.NoError(t, json.Unmarshal(sent[0].Data, &reg))
	assert.Equal(t, "a1", reg.AgentID)
	assert.Equal(t, "Active", reg.Status)

	first := decodeUpdate(t, sent[1])
	require.Len(t, first.Logs, 2)
	assert.Equal(t, []events.ActivityKind{events.ActivityProcessStarted}, first.Analysis.SuspiciousPatterns)
	assert.InDelta(t, 5.0, first.Analysis.RiskScore, 1e-9)
	assert.Equal(t, 42.0, first.Metrics.CPU)
	assert.Len(t, first.CPUTrend, events.CPUTrendLength)
	assert.Equal(t, 7.5, first.NetworkTraffic.DailyUsage)

	heartbeat := decodeUpdate(t, sent[2])
	assert.NotNil(t, heartbeat.Logs)
	assert.Empty(t, heartbeat.Logs)
	assert.Zero(t, heartbeat.Analysis.RiskScore)
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_RetriesThenConnects(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	c := NewClient(dialer, buffer.New(), staticSource{}, testOptions(faults.NewStatsCollector()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
	assert.Zero(t, c.Status().Attempts)
	require.NotNil(t, c.Status().ConnectedAt)
}

func TestClient_BuffersEventsWhileRetrying(t *testing.T) {
	buf := buffer.New()
	var buffered []int
	dialer := &fakeDialer{failures: 2}
	dialer.onDial = func(attempt int) {
		if attempt > 2 {
			return
		}
		buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, fmt.Sprintf("while retrying %d", attempt), 0.1, nil))
		buffered = append(buffered, buf.Len())
	}
	c := NewClient(dialer, buf, staticSource{}, testOptions(faults.NewStatsCollector()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn := dialer.conn(0)
		return conn != nil && len(conn.envelopes()) >= 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int{1, 2}, buffered, "events accumulate across failed attempts")
	sent := dialer.conn(0).envelopes()
	assert.Equal(t, events.MessageRegister, sent[0].Type)
	first := decodeUpdate(t, sent[1])
	require.Len(t, first.Logs, 2)
	assert.Equal(t, "while retrying 1", first.Logs[0].Details)
	assert.Equal(t, "while retrying 2", first.Logs[1].Details)
	assert.Zero(t, c.Status().EventsLost)
}

func TestClient_RetriesExhausted(t *testing.T) {
	stats := faults.NewStatsCollector()
	dialer := &fakeDialer{failures: -1}
	buf := buffer.New()
	c := NewClient(dialer, buf, staticSource{}, testOptions(stats))

	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityUserActivity, "u", 0, nil))
	err := c.Run(context.Background())

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, dialer.dialCount())
	assert.Equal(t, 1, buf.Len(), "buffer must survive a failed connection")
	assert.Equal(t, 1, stats.GetStats().FaultsBySeverity[faults.SeverityCritical])
}

func TestClient_SendFailureDropsBatch(t *testing.T) {
	dialer := &fakeDialer{}
	buf := buffer.New()
	c := NewClient(dialer, buf, staticSource{}, testOptions(faults.NewStatsCollector()))
	require.NoError(t, c.dialAndRegister(context.Background()))

	dialer.conn(0).setFailing()
	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileDeleted, "lost", 0, nil))
	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileDeleted, "lost too", 0, nil))

	assert.Error(t, c.flush())
	assert.Equal(t, int64(2), c.Status().EventsLost)
	assert.Zero(t, buf.Len(), "a failed batch is not re-queued")
	assert.NotEmpty(t, c.Status().LastError)
}

func TestClient_FlushSplitsByEventCount(t *testing.T) {
	dialer := &fakeDialer{}
	buf := buffer.New()
	opts := testOptions(faults.NewStatsCollector())
	opts.MaxBatchEvents = 3
	c := NewClient(dialer, buf, staticSource{}, opts)
	require.NoError(t, c.dialAndRegister(context.Background()))

	for i := 0; i < 7; i++ {
		score := 0.1
		if i == 0 || i == 4 {
			score = 0.5
		}
		buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, fmt.Sprintf("f%d", i), score, nil))
	}
	require.NoError(t, c.flush())

	sent := dialer.conn(0).envelopes()
	require.Len(t, sent, 4)
	var sizes, suspicious []int
	var details []string
	for _, env := range sent[1:] {
		upd := decodeUpdate(t, env)
		sizes = append(sizes, len(upd.Logs))
		suspicious = append(suspicious, len(upd.Analysis.SuspiciousPatterns))
		for _, ev := range upd.Logs {
			details = append(details, ev.Details)
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []int{1, 1, 0}, suspicious, "analysis covers only the events in each update")
	assert.Equal(t, []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6"}, details)
	assert.Equal(t, int64(3), c.Status().UpdatesSent)
	assert.Equal(t, int64(7), c.Status().EventsSent)
}

func TestClient_FlushSplitsByBytes(t *testing.T) {
	const limit = 2048
	dialer := &fakeDialer{}
	buf := buffer.New()
	opts := testOptions(faults.NewStatsCollector())
	opts.MaxMessageBytes = limit
	c := NewClient(dialer, buf, staticSource{}, opts)
	require.NoError(t, c.dialAndRegister(context.Background()))

	for i := 0; i < 40; i++ {
		buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated,
			fmt.Sprintf("%02d %s", i, strings.Repeat("x", 100)), 0.1, nil))
	}
	require.NoError(t, c.flush())

	sent := dialer.conn(0).envelopes()
	require.Greater(t, len(sent), 2)
	var got int
	for _, env := range sent[1:] {
		assert.LessOrEqual(t, env.Size(), limit)
		for _, ev := range decodeUpdate(t, env).Logs {
			assert.Equal(t, fmt.Sprintf("%02d", got), ev.Details[:2])
			got++
		}
	}
	assert.Equal(t, 40, got)
	assert.Zero(t, c.Status().EventsLost)
}

func TestClient_FlushDropsOversizeEvent(t *testing.T) {
	dialer := &fakeDialer{}
	buf := buffer.New()
	opts := testOptions(faults.NewStatsCollector())
	opts.MaxMessageBytes = 2048
	c := NewClient(dialer, buf, staticSource{}, opts)
	require.NoError(t, c.dialAndRegister(context.Background()))

	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, "before", 0.1, nil))
	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, strings.Repeat("x", 4096), 0.1, nil))
	buf.Append(events.NewScoredEvent(time.Now(), events.ActivityFileCreated, "after", 0.1, nil))
	require.NoError(t, c.flush())

	sent := dialer.conn(0).envelopes()
	require.Len(t, sent, 3)
	assert.Equal(t, "before", decodeUpdate(t, sent[1]).Logs[0].Details)
	assert.Equal(t, "after", decodeUpdate(t, sent[2]).Logs[0].Details)

	status := c.Status()
	assert.Equal(t, int64(2), status.EventsSent)
	assert.Equal(t, int64(1), status.EventsLost)
	assert.Contains(t, status.LastError, "maximum message size")
}

func TestClient_ReconnectsAfterLostConnection(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewClient(dialer, buffer.New(), staticSource{}, testOptions(faults.NewStatsCollector()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return dialer.conn(0) != nil }, time.Second, time.Millisecond)
	dialer.conn(0).setFailing()

	require.Eventually(t, func() bool {
		next := dialer.conn(1)
		if next == nil {
			return false
		}
		sent := next.envelopes()
		return len(sent) > 0 && sent[0].Type == events.MessageRegister
	}, time.Second, time.Millisecond)
}

func TestClient_ShutdownSendsStoppedEvent(t *testing.T) {
	dialer := &fakeDialer{}
	buf := buffer.New()
	opts := testOptions(faults.NewStatsCollector())
	opts.UpdateInterval = time.Hour
	c := NewClient(dialer, buf, staticSource{}, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, c.State())

	sent := dialer.conn(0).envelopes()
	last := decodeUpdate(t, sent[len(sent)-1])
	require.Len(t, last.Logs, 1)
	assert.Equal(t, events.ActivityStopped, last.Logs[0].Activity)
	assert.Equal(t, "Agent manually stopped", last.Logs[0].Details)
	assert.True(t, dialer.conn(0).closed)

	assert.ErrorIs(t, c.Shutdown(context.Background()), ErrStopped)
}

func TestClient_ShutdownWhileDisconnectedDialsOnce(t *testing.T) {
	dialer := &fakeDialer{failures: -1}
	buf := buffer.New()
	c := NewClient(dialer, buf, staticSource{}, testOptions(faults.NewStatsCollector()))

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 1, buf.Len())
}

func TestWSDialer_RoundTrip(t *testing.T) {
	received := make(chan events.Envelope, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env events.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	defer srv.Close()

	d := &WSDialer{WriteTimeout: time.Second}
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	env, err := events.NewEnvelope(events.MessageRegister, events.Registration{Identity: events.Identity{AgentID: "a1"}})
	require.NoError(t, err)
	require.NoError(t, conn.Send(env))

	select {
	case got := <-received:
		assert.Equal(t, events.MessageRegister, got.Type)
		assert.JSONEq(t, string(env.Data), string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not received")
	}
	require.NoError(t, conn.Close())
	assert.Error(t, conn.Send(env))
}
