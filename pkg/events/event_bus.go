// pkg/events/event_bus.go
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topic names a broadcast channel observers can subscribe to.
type Topic string

const (
	TopicAgentRegistered Topic = "agent_registered"
	TopicLogUpdate       Topic = "log_update"
	TopicAlert           Topic = "alert"
)

// Broadcast is one message fanned out to observers. Data is an AgentState
// for agent_registered and log_update, and an Alert for alert.
type Broadcast struct {
	ID        string      `json:"id"`
	Type      Topic       `json:"type"`
	AgentID   string      `json:"agent_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// EventHandler receives broadcasts for the topics it lists.
type EventHandler interface {
	Handle(ctx context.Context, msg Broadcast) error
	Topics() []Topic
}

// EventBus delivers broadcasts to subscribed handlers. Messages are handled
// by a single goroutine, so every handler sees them in publish order.
type EventBus struct {
	handlers    map[Topic][]EventHandler
	buffer      chan Broadcast
	logger      zerolog.Logger
	mu          sync.RWMutex
	metrics     EventMetrics
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup
}

type EventMetrics struct {
	EventsPublished int64            `json:"events_published"`
	EventsProcessed int64            `json:"events_processed"`
	EventsDropped   int64            `json:"events_dropped"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	HandlerErrors   int64            `json:"handler_errors"`
}

// NewEventBus creates a new event bus
func NewEventBus(logger zerolog.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &EventBus{
		handlers:    make(map[Topic][]EventHandler),
		buffer:      make(chan Broadcast, bufferSize),
		logger:      logger.With().Str("component", "event_bus").Logger(),
		stopChannel: make(chan struct{}),
		metrics: EventMetrics{
			EventsByType: make(map[string]int64),
		},
	}
}

// Subscribe registers an event handler for its topics
func (eb *EventBus) Subscribe(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, topic := range handler.Topics() {
		eb.handlers[topic] = append(eb.handlers[topic], handler)
		eb.logger.Debug().
			Str("topic", string(topic)).
			Msg("Handler subscribed to topic")
	}
}

// Unsubscribe removes a handler from every topic it was registered for.
func (eb *EventBus) Unsubscribe(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, topic := range handler.Topics() {
		list := eb.handlers[topic]
		for i, h := range list {
			if h == handler {
				eb.handlers[topic] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish queues a broadcast for delivery. It never blocks; when the buffer
// is full the message is dropped and ErrEventBusBufferFull is returned.
func (eb *EventBus) Publish(msg Broadcast) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	select {
	case eb.buffer <- msg:
		eb.updateMetrics(msg, true)
		eb.logger.Debug().
			Str("broadcast_id", msg.ID).
			Str("type", string(msg.Type)).
			Str("agent_id", msg.AgentID).
			Msg("Broadcast published to bus")
		return nil
	default:
		eb.mu.Lock()
		eb.metrics.EventsDropped++
		eb.mu.Unlock()
		eb.logger.Error().
			Str("broadcast_id", msg.ID).
			Str("type", string(msg.Type)).
			Str("agent_id", msg.AgentID).
			Msg("Event bus buffer full, dropping broadcast")
		return ErrEventBusBufferFull
	}
}

// Start begins processing broadcasts from the buffer. The loop ends when ctx
// is cancelled or Stop is called; either way broadcasts still queued are
// delivered first. Handlers get a context that carries ctx's values but is
// never cancelled.
func (eb *EventBus) Start(ctx context.Context) {
	eb.mu.Lock()
	if eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = true
	eb.mu.Unlock()

	eb.logger.Info().Msg("Event bus starting...")

	hctx := context.WithoutCancel(ctx)
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case msg := <-eb.buffer:
				eb.processEvent(hctx, msg)
			case <-ctx.Done():
				eb.logger.Info().Msg("Event bus shutting down due to context cancellation...")
				eb.drain(hctx)
				return
			case <-eb.stopChannel:
				eb.logger.Info().Msg("Event bus shutting down...")
				eb.drain(hctx)
				return
			}
		}
	}()
}

func (eb *EventBus) drain(ctx context.Context) {
	n := 0
	for {
		select {
		case msg := <-eb.buffer:
			eb.processEvent(ctx, msg)
			n++
		default:
			if n > 0 {
				eb.logger.Info().Int("broadcasts", n).Msg("Delivered queued broadcasts before stopping")
			}
			return
		}
	}
}

// Stop gracefully shuts down the event bus
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = false
	eb.mu.Unlock()

	close(eb.stopChannel)
	eb.wg.Wait()
	eb.logger.Info().Msg("Event bus stopped")
}

func (eb *EventBus) processEvent(ctx context.Context, msg Broadcast) {
	eb.mu.RLock()
	handlers := append([]EventHandler(nil), eb.handlers[msg.Type]...)
	eb.mu.RUnlock()

	errorCount := 0
	for _, h := range handlers {
		if err := h.Handle(ctx, msg); err != nil {
			errorCount++
			eb.logger.Error().
				Err(err).
				Str("broadcast_id", msg.ID).
				Str("type", string(msg.Type)).
				Msg("Handler error processing broadcast")
		}
	}

	eb.mu.Lock()
	eb.metrics.HandlerErrors += int64(errorCount)
	eb.mu.Unlock()

	eb.updateMetrics(msg, false)
}

func (eb *EventBus) updateMetrics(msg Broadcast, published bool) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if published {
		eb.metrics.EventsPublished++
		eb.metrics.EventsByType[string(msg.Type)]++
	} else {
		eb.metrics.EventsProcessed++
	}
}

// GetMetrics returns current event bus metrics
func (eb *EventBus) GetMetrics() EventMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	metricsCopy := EventMetrics{
		EventsPublished: eb.metrics.EventsPublished,
		EventsProcessed: eb.metrics.EventsProcessed,
		EventsDropped:   eb.metrics.EventsDropped,
		HandlerErrors:   eb.metrics.HandlerErrors,
		EventsByType:    make(map[string]int64, len(eb.metrics.EventsByType)),
	}
	for k, v := range eb.metrics.EventsByType {
		metricsCopy.EventsByType[k] = v
	}

	return metricsCopy
}

// Errors
var (
	ErrEventBusBufferFull = errors.New("event bus buffer is full")
)
