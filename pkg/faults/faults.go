// pkg/faults/faults.go
package faults

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies where a fault originated.
type Kind string

const (
	KindSampling  Kind = "sampling"
	KindScoring   Kind = "scoring"
	KindTransport Kind = "transport"
	KindIngestion Kind = "ingestion"
)

// Fault represents a structured, recoverable-or-not failure in one component
type Fault struct {
	Component   string                 `json:"component"`
	Kind        Kind                   `json:"kind"`
	Operation   string                 `json:"operation"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error implements the error interface
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("[%s] %s/%s: %s: %v", f.Component, f.Kind, f.Operation, f.Message, f.Cause)
	}
	return fmt.Sprintf("[%s] %s/%s: %s", f.Component, f.Kind, f.Operation, f.Message)
}

// Unwrap returns the underlying cause
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Handler logs faults and forwards them to an optional collector
type Handler struct {
	logger    zerolog.Logger
	collector Collector
}

// Collector defines how faults are collected and reported
type Collector interface {
	CollectFault(ctx context.Context, f *Fault) error
	GetStats() Stats
}

type Stats struct {
	TotalFaults       int              `json:"total_faults"`
	FaultsByKind      map[Kind]int     `json:"faults_by_kind"`
	FaultsByComponent map[string]int   `json:"faults_by_component"`
	FaultsBySeverity  map[Severity]int `json:"faults_by_severity"`
	LastFault         *Fault           `json:"last_fault,omitempty"`
}

// NewHandler creates a new fault handler. collector may be nil.
func NewHandler(logger zerolog.Logger, collector Collector) *Handler {
	return &Handler{
		logger:    logger,
		collector: collector,
	}
}

// Handle logs a fault at a level matching its severity and collects it.
// A nil handler only discards the fault.
func (h *Handler) Handle(ctx context.Context, f *Fault) error {
	if h == nil || f == nil {
		return nil
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}

	logEvent := h.getLogEvent(f.Severity).
		Str("component", f.Component).
		Str("kind", string(f.Kind)).
		Str("operation", f.Operation).
		Time("fault_time", f.Timestamp).
		Bool("recoverable", f.Recoverable)

	if f.AgentID != "" {
		logEvent = logEvent.Str("agent_id", f.AgentID)
	}
	if f.Severity == SeverityCritical {
		logEvent = logEvent.Bool("fatal", true)
	}
	if f.Details != nil {
		logEvent = logEvent.Interface("details", f.Details)
	}
	if f.Cause != nil {
		logEvent = logEvent.AnErr("cause", f.Cause)
	}

	logEvent.Msg(f.Message)

	if h.collector != nil {
		return h.collector.CollectFault(ctx, f)
	}

	return nil
}

// Stats returns the collector's statistics, or empty stats when none is set.
func (h *Handler) Stats() Stats {
	if h == nil || h.collector == nil {
		return Stats{}
	}
	return h.collector.GetStats()
}

// getLogEvent returns the zerolog event for a severity. Critical faults are
// logged at error level; the process is never exited from here.
func (h *Handler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return h.logger.Error()
	case SeverityMedium:
		return h.logger.Warn()
	case SeverityLow:
		return h.logger.Info()
	case SeverityInfo:
		return h.logger.Debug()
	default:
		return h.logger.Info()
	}
}

// Helper functions for creating common fault types

// NewSamplingFault reports a failed OS query. Features degrade to zero.
func NewSamplingFault(component, operation string, cause error) *Fault {
	return &Fault{
		Component:   component,
		Kind:        KindSampling,
		Operation:   operation,
		Message:     "Host sampling failed, using zero-valued features",
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewScoringFault reports a failed model invocation. The raw score degrades to zero.
func NewScoringFault(component string, cause error) *Fault {
	return &Fault{
		Component:   component,
		Kind:        KindScoring,
		Operation:   "predict",
		Message:     "Model prediction failed, applying rules only",
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewTransportFault reports a connection or send failure.
func NewTransportFault(component, operation, agentID string, cause error) *Fault {
	return &Fault{
		Component:   component,
		Kind:        KindTransport,
		Operation:   operation,
		AgentID:     agentID,
		Message:     fmt.Sprintf("Transport failure during %s", operation),
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewRetriesExhaustedFault reports that the reconnection budget is spent.
func NewRetriesExhaustedFault(component, agentID string, attempts int, cause error) *Fault {
	return &Fault{
		Component: component,
		Kind:      KindTransport,
		Operation: "connect",
		AgentID:   agentID,
		Message:   "Reconnection attempts exhausted, events keep buffering locally",
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityCritical,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewIngestionFault reports a discarded update or event on the collector.
func NewIngestionFault(component, operation, agentID string, cause error, details map[string]interface{}) *Fault {
	return &Fault{
		Component:   component,
		Kind:        KindIngestion,
		Operation:   operation,
		AgentID:     agentID,
		Message:     fmt.Sprintf("Ingestion failure during %s", operation),
		Details:     details,
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}
