package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/buffer"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/lucid-vigil/hostwatch/pkg/monitors/base"
	"github.com/lucid-vigil/hostwatch/pkg/monitortest"
	"github.com/lucid-vigil/hostwatch/pkg/sampler"
	"github.com/lucid-vigil/hostwatch/pkg/scoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nightSource struct{}

func (nightSource) Latest() sampler.Sample { return sampler.Sample{} }
func (nightSource) Location() string       { return "Bahawalpur" }
func (nightSource) Now() time.Time         { return time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC) }

// collected accumulates drained events across polls.
type collected struct {
	mu  sync.Mutex
	buf *buffer.EventBuffer
	all []events.ScoredEvent
}

func (c *collected) has(kind events.ActivityKind, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, c.buf.Drain()...)
	for _, ev := range c.all {
		if ev.Activity == kind && ev.Details == "File: "+path {
			return true
		}
	}
	return false
}

func (c *collected) events() []events.ScoredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = append(c.all, c.buf.Drain()...)
	return append([]events.ScoredEvent(nil), c.all...)
}

func startMonitor(t *testing.T, root string, score bool, logger zerolog.Logger) (*FilesystemMonitor, *collected) {
	t.Helper()
	buf := buffer.New()
	scorer := scoring.NewScorer(nil, scoring.Policy{NormalHourStart: 9, NormalHourEnd: 17, ExpectedLocation: "Bahawalpur"}, nil, nil)
	fm := NewFilesystemMonitor(root, score, base.NewRecorder(buf, scorer, nightSource{}), logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fm.Start(ctx))
	done := make(chan struct{})
	go func() {
		fm.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return fm, &collected{buf: buf}
}

func TestFilesystemMonitor_EmitsFileEvents(t *testing.T) {
	root := t.TempDir()
	lc := &monitortest.LogCapture{}
	_, got := startMonitor(t, root, false, zerolog.New(lc))

	file := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o600))
	require.Eventually(t, func() bool { return got.has(events.ActivityFileCreated, file) }, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("more")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Eventually(t, func() bool { return got.has(events.ActivityFileModified, file) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(file))
	require.Eventually(t, func() bool { return got.has(events.ActivityFileDeleted, file) }, 2*time.Second, 10*time.Millisecond)

	for _, ev := range got.events() {
		assert.Equal(t, 0.0, ev.AnomalyScore, "file events are informational by default")
		assert.Empty(t, ev.Alerts)
	}

	assert.True(t, lc.Contains("Monitoring filesystem path."))
}

func TestFilesystemMonitor_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	require.NoError(t, os.Mkdir(existing, 0o755))

	fm, got := startMonitor(t, root, false, zerolog.Nop())
	assert.Equal(t, 2, fm.watchedDirs())

	nested := filepath.Join(existing, "file.bin")
	require.NoError(t, os.WriteFile(nested, nil, 0o600))
	require.Eventually(t, func() bool { return got.has(events.ActivityFileCreated, nested) }, 2*time.Second, 10*time.Millisecond)

	sub := filepath.Join(root, "new")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return fm.watchedDirs() == 3 }, 2*time.Second, 10*time.Millisecond)

	inner := filepath.Join(sub, "inner.txt")
	require.NoError(t, os.WriteFile(inner, nil, 0o600))
	require.Eventually(t, func() bool { return got.has(events.ActivityFileCreated, inner) }, 2*time.Second, 10*time.Millisecond)

	for _, ev := range got.events() {
		assert.NotEqual(t, "File: "+sub, ev.Details, "directories are watched, not reported")
	}

	require.NoError(t, os.RemoveAll(sub))
	require.Eventually(t, func() bool { return fm.watchedDirs() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestFilesystemMonitor_ScoredEvents(t *testing.T) {
	root := t.TempDir()
	_, got := startMonitor(t, root, true, zerolog.Nop())

	file := filepath.Join(root, "late.sh")
	require.NoError(t, os.WriteFile(file, nil, 0o700))
	require.Eventually(t, func() bool { return got.has(events.ActivityFileCreated, file) }, 2*time.Second, 10*time.Millisecond)

	ev := got.events()[0]
	assert.Equal(t, scoring.RuleFloor, ev.AnomalyScore)
	assert.Equal(t, []string{scoring.LabelOutsideHours}, ev.Alerts)
}

func TestFilesystemMonitor_StartErrors(t *testing.T) {
	scorer := scoring.NewScorer(nil, scoring.Policy{}, nil, nil)
	rec := base.NewRecorder(buffer.New(), scorer, nightSource{})

	missing := NewFilesystemMonitor(filepath.Join(t.TempDir(), "absent"), false, rec, zerolog.Nop())
	assert.Error(t, missing.Start(context.Background()))

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	notDir := NewFilesystemMonitor(file, false, rec, zerolog.Nop())
	assert.Error(t, notDir.Start(context.Background()))

	// Run without a successful Start returns immediately.
	notDir.Run(context.Background())
	monitortest.NewMonitorTestSuite(t, notDir).WithTimeout(time.Second).RunBasicTests()
}
