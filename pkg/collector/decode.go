package collector

import (
	"encoding/json"
	"fmt"

	"github.com/lucid-vigil/hostwatch/pkg/events"
)

// DecodeRegistration parses a register_agent payload.
func DecodeRegistration(raw json.RawMessage) (events.Registration, error) {
	var reg events.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return reg, fmt.Errorf("%w: registration: %v", ErrMalformedUpdate, err)
	}
	if reg.AgentID == "" {
		return reg, fmt.Errorf("%w: registration: %v", ErrMalformedUpdate, ErrMissingAgentID)
	}
	return reg, nil
}

// updateWire mirrors events.Update but keeps logs raw so one bad event does
// not reject the whole update.
type updateWire struct {
	events.Registration
	Metrics        events.Metrics        `json:"metrics"`
	CPUTrend       []float64             `json:"cpu_trend"`
	NetworkTraffic events.NetworkTraffic `json:"network_traffic"`
	Analysis       events.Analysis       `json:"analysis"`
	Logs           []json.RawMessage     `json:"logs"`
}

// DecodeUpdate parses a log_update payload. Events that cannot be decoded are
// skipped and counted in dropped.
func DecodeUpdate(raw json.RawMessage) (upd events.Update, dropped int, err error) {
	var w updateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return upd, 0, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if w.AgentID == "" {
		return upd, 0, fmt.Errorf("%w: %v", ErrMalformedUpdate, ErrMissingAgentID)
	}

	upd = events.Update{
		Registration:   w.Registration,
		Metrics:        w.Metrics,
		CPUTrend:       w.CPUTrend,
		NetworkTraffic: w.NetworkTraffic,
		Analysis:       w.Analysis,
		Logs:           make([]events.ScoredEvent, 0, len(w.Logs)),
	}
	for _, item := range w.Logs {
		var ev events.ScoredEvent
		if err := json.Unmarshal(item, &ev); err != nil {
			dropped++
			continue
		}
		upd.Logs = append(upd.Logs, ev)
	}
	return upd, dropped, nil
}
