// Package monitortest provides shared checks for scheduled monitors.
package monitortest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/scheduler"
	"github.com/stretchr/testify/assert"
)

// MonitorTestSuite runs the checks every monitor is expected to pass.
type MonitorTestSuite struct {
	t           *testing.T
	monitor     scheduler.Monitor
	testTimeout time.Duration
	concurrent  bool
}

func NewMonitorTestSuite(t *testing.T, monitor scheduler.Monitor) *MonitorTestSuite {
	return &MonitorTestSuite{
		t:           t,
		monitor:     monitor,
		testTimeout: 5 * time.Second,
	}
}

// WithTimeout bounds a single Run.
func (mts *MonitorTestSuite) WithTimeout(timeout time.Duration) *MonitorTestSuite {
	mts.testTimeout = timeout
	return mts
}

// WithConcurrency enables the concurrent Run check. Only use it when the
// monitor's dependencies are safe for concurrent use.
func (mts *MonitorTestSuite) WithConcurrency() *MonitorTestSuite {
	mts.concurrent = true
	return mts
}

// RunBasicTests executes standard monitor tests
func (mts *MonitorTestSuite) RunBasicTests() {
	mts.t.Run("TestMonitorName", mts.testMonitorName)
	mts.t.Run("TestMonitorRun", mts.testMonitorRun)
	mts.t.Run("TestMonitorCancelled", mts.testMonitorCancelled)
	if mts.concurrent {
		mts.t.Run("TestMonitorConcurrency", mts.testMonitorConcurrency)
	}
}

func (mts *MonitorTestSuite) testMonitorName(t *testing.T) {
	name := mts.monitor.Name()
	assert.NotEmpty(t, name, "Monitor name should not be empty")
	assert.NotContains(t, name, " ", "Monitor name should not contain spaces")
	assert.Equal(t, strings.ToLower(name), name, "Monitor name should be lower case")
}

func (mts *MonitorTestSuite) testMonitorRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), mts.testTimeout)
	defer cancel()

	assert.NotPanics(t, func() {
		mts.monitor.Run(ctx)
	}, "Monitor Run should not panic")
}

func (mts *MonitorTestSuite) testMonitorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	mts.monitor.Run(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"Monitor should return promptly once its context is done")
}

func (mts *MonitorTestSuite) testMonitorConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), mts.testTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs <- fmt.Errorf("panic: %v", r)
				}
			}()
			mts.monitor.Run(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err, "Concurrent monitor execution should not panic")
	}
}

// IntegrationTestSuite drives monitors through a real scheduler.
type IntegrationTestSuite struct {
	scheduler *scheduler.Scheduler
	config    *config.Config
}

func NewIntegrationTestSuite() *IntegrationTestSuite {
	cfg := &config.Config{LogLevel: "debug"}
	return &IntegrationTestSuite{
		scheduler: scheduler.NewScheduler(cfg),
		config:    cfg,
	}
}

// AddMonitor registers monitor and enables it at interval.
func (its *IntegrationTestSuite) AddMonitor(monitor scheduler.Monitor, interval time.Duration) {
	its.config.Monitors = append(its.config.Monitors, config.MonitorConfig{
		Name:     monitor.Name(),
		Enabled:  true,
		Interval: interval.String(),
	})
	its.scheduler.RegisterMonitor(monitor)
}

// RunIntegrationTest runs the scheduler for duration and waits for every
// monitor to return.
func (its *IntegrationTestSuite) RunIntegrationTest(t *testing.T, duration time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	its.scheduler.Start(ctx)
	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		its.scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitors did not stop after cancellation")
	}
}

// LogCapture is a helper to capture zerolog output for testing.
type LogCapture struct {
	sync.Mutex
	logs []string
}

func (lc *LogCapture) Write(p []byte) (n int, err error) {
	lc.Lock()
	defer lc.Unlock()
	lc.logs = append(lc.logs, string(p))
	return len(p), nil
}

func (lc *LogCapture) GetLogs() []string {
	lc.Lock()
	defer lc.Unlock()
	return append([]string(nil), lc.logs...)
}

// Contains reports whether any captured line contains substr.
func (lc *LogCapture) Contains(substr string) bool {
	for _, l := range lc.GetLogs() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
