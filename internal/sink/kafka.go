// Package sink exports engine events to external systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/msageha/acd/internal/events"
	"github.com/msageha/acd/internal/model"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// wireEvent is the JSON value of every exported message.
type wireEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Kafka publishes every bus event as a JSON message keyed by request id, so
// one call's events stay on one partition.
type Kafka struct {
	w       messageWriter
	topic   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewKafka builds an async writer for cfg.Brokers. Delivery failures are
// logged from the writer's completion callback.
func NewKafka(cfg model.KafkaSinkConfig, logger zerolog.Logger) *Kafka {
	log := logger.With().Str("component", "kafka").Logger()
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(msgs)).Msg("kafka_delivery_failed")
			}
		},
	}
	return newKafka(w, cfg.Topic, log)
}

func newKafka(w messageWriter, topic string, log zerolog.Logger) *Kafka {
	return &Kafka{w: w, topic: topic, timeout: 5 * time.Second, log: log}
}

// Attach subscribes the sink to every event type on bus.
func (k *Kafka) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
		defer cancel()
		if err := k.Send(ctx, e); err != nil {
			k.log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("kafka_send_failed")
		}
	})
}

// Send writes one event.
func (k *Kafka) Send(ctx context.Context, e events.Event) error {
	msg, err := encodeMessage(e)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", e.Type, k.topic, err)
	}
	return nil
}

func encodeMessage(e events.Event) (kafka.Message, error) {
	value, err := json.Marshal(wireEvent{Type: string(e.Type), Timestamp: e.Timestamp, Data: e.Data})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	msg := kafka.Message{
		Value:   value,
		Time:    e.Timestamp,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
	}
	if id, ok := int64Field(e.Data, "request_id"); ok {
		msg.Key = []byte(strconv.FormatInt(id, 10))
	} else if op, ok := e.Data["operator"].(string); ok {
		msg.Key = []byte("operator:" + op)
	}
	return msg, nil
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	return k.w.Close()
}

func int64Field(data map[string]interface{}, key string) (int64, bool) {
	switch v := data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
