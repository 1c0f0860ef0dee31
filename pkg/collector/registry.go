package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/events"
)

// agentEntry serializes every read-recompute-write on one agent.
type agentEntry struct {
	mu    sync.Mutex
	state events.AgentState
}

// Registry holds the aggregate state of every registered agent. Entries are
// created by registration and live for the lifetime of the collector.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*agentEntry)}
}

func (r *Registry) lookup(agentID string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	return e, ok
}

// upsert returns the entry for reg.AgentID. A new entry is created already
// initialized from reg and reported with created=true; an existing entry is
// returned untouched for the caller to reset under its own lock.
func (r *Registry) upsert(reg events.Registration, now time.Time) (e *agentEntry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[reg.AgentID]; ok {
		return existing, false
	}
	e = &agentEntry{}
	e.reset(reg, now)
	r.agents[reg.AgentID] = e
	return e, true
}

// reset overwrites an entry with fresh state for a (re-)registration.
// The caller holds e.mu.
func (e *agentEntry) reset(reg events.Registration, now time.Time) {
	e.state = events.AgentState{
		Identity:     reg.Identity,
		Status:       reg.Status,
		Logs:         []events.ScoredEvent{},
		RegisteredAt: now,
	}
}

// Get returns a copy of one agent's state.
func (r *Registry) Get(agentID string) (events.AgentState, bool) {
	e, ok := r.lookup(agentID)
	if !ok {
		return events.AgentState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

// Snapshot returns copies of every agent's state ordered by agent id.
func (r *Registry) Snapshot() []events.AgentState {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]events.AgentState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
