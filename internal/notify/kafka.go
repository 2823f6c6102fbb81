package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/pkg/cloudevent"
	"slices"

	"github.com/IBM/sarama"
)

// KafkaPublisher writes notifications to a topic, keyed by job ID so every
// status of one job lands on the same partition in order.
//
// The message value is the backend status message (the CloudEvent data);
// CloudEvent attributes travel as ce_* headers.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaConfig returns the producer configuration used for notifications.
func NewKafkaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V3_6_0_0
	return cfg
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// DialKafkaPublisher connects a producer to brokers.
func DialKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaConfig("pgs-orchestrator-notify"))
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewKafkaPublisher(producer, topic), nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish sends one message and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event *cloudevent.CloudEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(event.Data)
	if err != nil {
		return apperrors.Permanent("kafka.encode", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.Subject),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(event),
		Timestamp: event.Time,
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return classifyKafka(err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// recordHeaders encodes the event attributes as ce_* headers in name order.
func recordHeaders(event *cloudevent.CloudEvent) []sarama.RecordHeader {
	attrs := event.Attributes()
	names := slices.Sorted(maps.Keys(attrs))
	headers := make([]sarama.RecordHeader, 0, len(names)+1)
	for _, name := range names {
		headers = append(headers, sarama.RecordHeader{Key: []byte("ce_" + name), Value: []byte(attrs[name])})
	}
	return append(headers, sarama.RecordHeader{Key: []byte("content-type"), Value: []byte(event.DataContentType)})
}

func classifyKafka(err error) error {
	for _, permanent := range []error{
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrInvalidMessage,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidTopic,
	} {
		if errors.Is(err, permanent) {
			return apperrors.Permanent("kafka.send", err)
		}
	}
	return apperrors.Transient("kafka.send", err)
}
