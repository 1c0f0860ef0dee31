package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// AlertWriter is the subset of *kafka.Writer used by KafkaAlertSink.
type AlertWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlertSink forwards every alert broadcast to a Kafka topic.
type KafkaAlertSink struct {
	writer AlertWriter
	logger zerolog.Logger
}

// NewKafkaWriter builds an asynchronous writer so publishing never stalls
// the event bus. Delivery failures are logged from the completion callback.
func NewKafkaWriter(cfg config.KafkaConfig, logger zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Int("messages", len(messages)).Str("topic", cfg.Topic).Msg("Failed to deliver alerts to Kafka")
			}
		},
	}
}

func NewKafkaAlertSink(writer AlertWriter, logger zerolog.Logger) *KafkaAlertSink {
	return &KafkaAlertSink{
		writer: writer,
		logger: logger.With().Str("component", "kafka_alert_sink").Logger(),
	}
}

func (k *KafkaAlertSink) Topics() []events.Topic {
	return []events.Topic{events.TopicAlert}
}

func (k *KafkaAlertSink) Handle(ctx context.Context, msg events.Broadcast) error {
	alert, ok := msg.Data.(events.Alert)
	if !ok {
		return fmt.Errorf("unexpected alert payload %T", msg.Data)
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.AgentID),
		Value: data,
		Time:  msg.Timestamp,
	})
}

func (k *KafkaAlertSink) Close() error {
	return k.writer.Close()
}
