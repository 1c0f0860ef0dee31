// pkg/events/validator.go
package events

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const maxDetailsLength = 1000

var (
	ErrMissingTimestamp = errors.New("event timestamp is required")
	ErrUnknownActivity  = errors.New("unknown activity kind")
	ErrScoreOutOfRange  = errors.New("anomaly score out of range")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// EventValidator validates and sanitizes scored events received from agents
// and limits how fast a single source may deliver them.
type EventValidator struct {
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter // source -> rate limiter
	limit        rate.Limit
	burst        int
}

// NewEventValidator creates a validator allowing perSecond messages per
// source with the given burst. A non-positive perSecond disables limiting.
func NewEventValidator(perSecond float64, burst int) *EventValidator {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &EventValidator{
		rateLimiters: make(map[string]*rate.Limiter),
		limit:        limit,
		burst:        burst,
	}
}

// ValidateEvent checks a single event and sanitizes its free-text details in place.
func (ev *EventValidator) ValidateEvent(event *ScoredEvent) error {
	if event.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if !event.Activity.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownActivity, event.Activity)
	}
	if math.IsNaN(event.AnomalyScore) || event.AnomalyScore < 0 || event.AnomalyScore > 1 {
		return fmt.Errorf("%w: %v", ErrScoreOutOfRange, event.AnomalyScore)
	}

	event.Details = sanitizeString(event.Details)
	if event.Alerts == nil {
		event.Alerts = []string{}
	}
	for i, a := range event.Alerts {
		event.Alerts[i] = sanitizeString(a)
	}
	return nil
}

// Limiter returns the rate limiter for source, creating it on first use.
func (ev *EventValidator) Limiter(source string) *rate.Limiter {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	limiter, exists := ev.rateLimiters[source]
	if !exists {
		limiter = rate.NewLimiter(ev.limit, ev.burst)
		ev.rateLimiters[source] = limiter
	}
	return limiter
}

// Allow reports whether source may deliver another message now.
func (ev *EventValidator) Allow(source string) error {
	if !ev.Limiter(source).Allow() {
		return fmt.Errorf("%w for source: %s", ErrRateLimited, source)
	}
	return nil
}

// Forget drops the limiter of a source that has disconnected.
func (ev *EventValidator) Forget(source string) {
	ev.mu.Lock()
	delete(ev.rateLimiters, source)
	ev.mu.Unlock()
}

// sanitizeString removes control characters and bounds the length
func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	if len(s) > maxDetailsLength {
		s = s[:maxDetailsLength] + "..."
	}

	return strings.TrimSpace(s)
}
