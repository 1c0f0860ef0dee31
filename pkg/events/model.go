package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the wire format of every event timestamp. Values are always UTC.
const TimeLayout = "2006-01-02 15:04:05"

const (
	// AlertThreshold is the score above which an event counts as suspicious.
	AlertThreshold = 0.3
	// RiskMultiplier scales the summed batch score into a risk score.
	RiskMultiplier = 10.0
	// RecentWindowSize bounds the per-agent recent activity window.
	RecentWindowSize = 25
	// CPUTrendLength is the number of trailing CPU readings sent with an update.
	CPUTrendLength = 5
)

// ActivityKind labels what a ScoredEvent observed. The string value is the
// label carried on the wire.
type ActivityKind string

const (
	ActivityStartUp        ActivityKind = "System Startup"
	ActivityProcessStarted ActivityKind = "Process Started"
	ActivityFileCreated    ActivityKind = "File Created"
	ActivityFileModified   ActivityKind = "File Modified"
	ActivityFileDeleted    ActivityKind = "File Deleted"
	ActivityMetricsAnomaly ActivityKind = "System Metrics Anomaly"
	ActivityUserActivity   ActivityKind = "User Activity"
	ActivityStopped        ActivityKind = "Agent Stopped"
)

var knownActivities = map[ActivityKind]struct{}{
	ActivityStartUp:        {},
	ActivityProcessStarted: {},
	ActivityFileCreated:    {},
	ActivityFileModified:   {},
	ActivityFileDeleted:    {},
	ActivityMetricsAnomaly: {},
	ActivityUserActivity:   {},
	ActivityStopped:        {},
}

// Valid reports whether k is one of the known activity labels.
func (k ActivityKind) Valid() bool {
	_, ok := knownActivities[k]
	return ok
}

// Timestamp is a UTC, second-precision instant that marshals as TimeLayout.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to the second and converts it to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Second)}
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimeLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	parsed, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		// Accept RFC 3339 from producers that do not use the compact layout.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
	}
	*t = NewTimestamp(parsed)
	return nil
}

// FeatureVector is one sampled observation of the host, in model input order.
type FeatureVector struct {
	CPUPercent    float64 `json:"cpu_pct"`
	MemoryPercent float64 `json:"mem_pct"`
	DiskPercent   float64 `json:"disk_pct"`
	NetSentMB     float64 `json:"net_sent_mb"`
	NetRecvMB     float64 `json:"net_recv_mb"`
	ProcessCount  int     `json:"process_count"`
	Suspicious    bool    `json:"suspicious_flag"`
}

// Slice returns the seven feature values in model input order.
func (f FeatureVector) Slice() []float64 {
	flag := 0.0
	if f.Suspicious {
		flag = 1.0
	}
	return []float64{
		f.CPUPercent,
		f.MemoryPercent,
		f.DiskPercent,
		f.NetSentMB,
		f.NetRecvMB,
		float64(f.ProcessCount),
		flag,
	}
}

// ScoredEvent is a single observation together with its anomaly score.
type ScoredEvent struct {
	Timestamp    Timestamp    `json:"timestamp"`
	Activity     ActivityKind `json:"activity"`
	Details      string       `json:"details"`
	AnomalyScore float64      `json:"anomaly_score"`
	Alerts       []string     `json:"alerts"`
}

// NewScoredEvent builds an event stamped at the given time. A nil alert list
// is normalized so the wire form always carries an array.
func NewScoredEvent(at time.Time, kind ActivityKind, details string, score float64, alerts []string) ScoredEvent {
	if alerts == nil {
		alerts = []string{}
	}
	return ScoredEvent{
		Timestamp:    NewTimestamp(at),
		Activity:     kind,
		Details:      details,
		AnomalyScore: score,
		Alerts:       alerts,
	}
}

// Identity describes an agent. It is fixed for the agent's session.
type Identity struct {
	AgentID     string `json:"agent_id"`
	SystemName  string `json:"system_name"`
	Version     string `json:"version"`
	CurrentUser string `json:"current_user"`
}

// Registration is the first message an agent sends after connecting.
type Registration struct {
	Identity
	Status string `json:"status"`
}

// Metrics are the instantaneous host readings carried by an update.
type Metrics struct {
	CPU             float64 `json:"cpu"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	NetworkSent     float64 `json:"network_sent"`
	NetworkReceived float64 `json:"network_received"`
}

// MetricsFromFeatures copies the resource readings out of a feature vector.
func MetricsFromFeatures(f FeatureVector) Metrics {
	return Metrics{
		CPU:             f.CPUPercent,
		MemoryPercent:   f.MemoryPercent,
		DiskPercent:     f.DiskPercent,
		NetworkSent:     f.NetSentMB,
		NetworkReceived: f.NetRecvMB,
	}
}

type NetworkTraffic struct {
	DailyUsage float64 `json:"daily_usage"`
}

// Analysis summarizes a drained batch of events.
type Analysis struct {
	SuspiciousPatterns []ActivityKind `json:"suspicious_patterns"`
	RiskScore          float64        `json:"risk_score"`
}

// Update is sent by a connected agent on every update cycle.
type Update struct {
	Registration
	Metrics        Metrics        `json:"metrics"`
	CPUTrend       []float64      `json:"cpu_trend"`
	NetworkTraffic NetworkTraffic `json:"network_traffic"`
	Analysis       Analysis       `json:"analysis"`
	Logs           []ScoredEvent  `json:"logs"`
}

// AgentState is the collector's aggregate view of one agent.
type AgentState struct {
	Identity
	Status            string        `json:"status"`
	DataUsage         float64       `json:"data_usage"`
	BehaviorAnomalies int           `json:"behavior_anomalies"`
	TotalLogs         int           `json:"total_logs"`
	RiskScore         float64       `json:"risk_score"`
	Logs              []ScoredEvent `json:"logs"`
	RegisteredAt      time.Time     `json:"registered_at"`
	// LastUpdateAt is nil until the first update is ingested.
	LastUpdateAt *time.Time `json:"last_update_at,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (s AgentState) Clone() AgentState {
	out := s
	if s.LastUpdateAt != nil {
		at := *s.LastUpdateAt
		out.LastUpdateAt = &at
	}
	out.Logs = make([]ScoredEvent, len(s.Logs))
	for i, ev := range s.Logs {
		ev.Alerts = append([]string{}, ev.Alerts...)
		out.Logs[i] = ev
	}
	return out
}

// Alert is emitted by the collector for each suspicious event in a window.
type Alert struct {
	AgentID  string       `json:"agent_id"`
	Activity ActivityKind `json:"activity"`
	Score    float64      `json:"anomaly_score"`
	Message  string       `json:"message"`
}

// NewAlert formats the operator-facing alert message for an event.
func NewAlert(agentID string, ev ScoredEvent) Alert {
	return Alert{
		AgentID:  agentID,
		Activity: ev.Activity,
		Score:    ev.AnomalyScore,
		Message:  fmt.Sprintf("Suspicious activity detected on %s: %s", agentID, ev.Activity),
	}
}
