package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockMonitor is a mock implementation of the Monitor interface.
type MockMonitor struct {
	mock.Mock // Embed mock.Mock
}

func (m *MockMonitor) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockMonitor) Run(ctx context.Context) {
	m.Called(ctx)
}

// startingMonitor also implements Starter.
type startingMonitor struct {
	MockMonitor
	startErr error
}

func (m *startingMonitor) Start(ctx context.Context) error {
	m.Called(ctx)
	return m.startErr
}

func TestScheduler_RegisterMonitor(t *testing.T) {
	cfg := &config.Config{}
	sched := NewScheduler(cfg)

	monitor := new(MockMonitor)
	monitor.On("Name").Return("test_monitor")

	sched.RegisterMonitor(monitor)

	assert.Len(t, sched.monitors, 1)
	assert.Equal(t, monitor, sched.monitors[0])
	monitor.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "monitor_enabled", Enabled: true, Interval: "50ms"},
			{Name: "monitor_disabled", Enabled: false, Interval: "50ms"},
			{Name: "monitor_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sched := NewScheduler(cfg)

	// The first run happens immediately, the rest on ticks.
	enabledMonitor := new(MockMonitor)
	enabledMonitor.On("Name").Return("monitor_enabled")
	var wg sync.WaitGroup
	var once sync.Once
	var calls int
	var mu sync.Mutex
	wg.Add(1)
	enabledMonitor.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 3 {
			once.Do(wg.Done)
		}
	}).Return()
	sched.RegisterMonitor(enabledMonitor)

	disabledMonitor := new(MockMonitor)
	disabledMonitor.On("Name").Return("monitor_disabled")
	sched.RegisterMonitor(disabledMonitor)

	invalidIntervalMonitor := new(MockMonitor)
	invalidIntervalMonitor.On("Name").Return("monitor_invalid_interval")
	sched.RegisterMonitor(invalidIntervalMonitor)

	unconfigured := new(MockMonitor)
	unconfigured.On("Name").Return("monitor_unknown")
	sched.RegisterMonitor(unconfigured)

	sched.Start(ctx)
	wg.Wait()
	cancel()
	sched.Wait()

	enabledMonitor.AssertExpectations(t)
	disabledMonitor.AssertNotCalled(t, "Run", mock.Anything)
	invalidIntervalMonitor.AssertNotCalled(t, "Run", mock.Anything)
	unconfigured.AssertNotCalled(t, "Run", mock.Anything)
}

func TestScheduler_StarterFailureSkipsMonitor(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "watcher", Enabled: true, Interval: "50ms"},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &startingMonitor{startErr: errors.New("no such directory")}
	m.On("Name").Return("watcher")
	m.On("Start", mock.Anything).Return()

	sched := NewScheduler(cfg)
	sched.RegisterMonitor(m)
	sched.Start(ctx)
	cancel()
	sched.Wait()

	m.AssertCalled(t, "Start", mock.Anything)
	m.AssertNotCalled(t, "Run", mock.Anything)
}

func TestScheduler_Shutdown(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "shutdown_monitor", Enabled: true, Interval: "100ms"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(cfg)

	monitor := new(MockMonitor)
	monitor.On("Name").Return("shutdown_monitor")
	// Use a WaitGroup to ensure the Run method is called at least once before shutdown
	var wg sync.WaitGroup
	var once sync.Once
	wg.Add(1)
	monitor.On("Run", mock.Anything).Run(func(args mock.Arguments) { once.Do(wg.Done) }).Return()
	sched.RegisterMonitor(monitor)

	sched.Start(ctx)
	wg.Wait()

	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}

	monitor.AssertExpectations(t)
}
