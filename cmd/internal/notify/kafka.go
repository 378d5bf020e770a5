package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits one JSON event per notification for downstream
// push/email workers. Events are keyed by recipient so a user's
// notifications stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher builds a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("notify: no kafka brokers")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("notify: empty kafka topic")
	}

	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Name implements Sink.
func (p *KafkaPublisher) Name() string { return "kafka" }

// Deliver implements Sink.
func (p *KafkaPublisher) Deliver(ctx context.Context, n Notification) error {
	v, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserEmail),
		Value: v,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
}

// Close flushes pending writes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.w.Close() }
