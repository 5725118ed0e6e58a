package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the topic processed jobs are published to
const DefaultTopic = "hotel_events"

// KafkaPublisher publishes processed jobs to a kafka topic, keyed by resource id
// so that all messages about one document land in the same partition
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns a publisher for the brokers. An empty topic means DefaultTopic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, message Message) error {
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.ResourceID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "job", Value: []byte(message.Job)},
			{Key: "type", Value: []byte(message.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot publish to %s: %w", p.writer.Topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
