package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes progress to a Kafka topic keyed by run id.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers []string, topic, clientID string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

// Publish writes p as one message.
func (k *KafkaPublisher) Publish(ctx context.Context, p Progress) error {
	value, err := Encode(p)
	if err != nil {
		k.logger.Error("Failed to marshal message",
			zap.String("topic", k.topic),
			zap.Error(err))
		return err
	}

	msg := kafka.Message{
		Key:   []byte(p.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "step", Value: []byte(p.Step)},
		},
		Time: p.Time,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("Failed to publish message",
			zap.String("topic", k.topic),
			zap.String("key", p.RunID),
			zap.Error(err))
		return err
	}

	k.logger.Debug("Message published",
		zap.String("topic", k.topic),
		zap.String("key", p.RunID))
	return nil
}

// Close closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
