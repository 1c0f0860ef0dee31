package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lucid-vigil/hostwatch/pkg/events"
)

type memoryRecord struct {
	seq   uint64
	event events.ScoredEvent
}

// MemoryStore keeps every agent's history in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	history map[string][]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]memoryRecord)}
}

func (m *MemoryStore) AppendMany(_ context.Context, agentID string, evs []events.ScoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range evs {
		m.seq++
		ev.Alerts = append([]string(nil), ev.Alerts...)
		m.history[agentID] = append(m.history[agentID], memoryRecord{seq: m.seq, event: ev})
	}
	return nil
}

func (m *MemoryStore) QueryRecent(_ context.Context, agentID string, limit int) ([]events.ScoredEvent, error) {
	m.mu.RLock()
	records := append([]memoryRecord(nil), m.history[agentID]...)
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		ti, tj := records[i].event.Timestamp, records[j].event.Timestamp
		if !ti.Equal(tj.Time) {
			return ti.After(tj.Time)
		}
		return records[i].seq > records[j].seq
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	out := make([]events.ScoredEvent, len(records))
	for i, r := range records {
		ev := r.event
		ev.Alerts = append([]string{}, ev.Alerts...)
		out[i] = ev
	}
	return out, nil
}

// Count returns how many events are stored for agentID.
func (m *MemoryStore) Count(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history[agentID])
}

func (m *MemoryStore) Close(context.Context) error {
	return nil
}
