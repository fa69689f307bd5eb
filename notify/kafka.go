package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/peerproof/referral-registry/interfaces"
)

const DefaultKafkaTopic = "peerproof.events"

// KafkaProducer is the subset of *kgo.Client used by KafkaSink.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSink publishes events keyed by record ID, so all events of a record land in one partition.
type KafkaSink struct {
	producer KafkaProducer
	topic    string
}

// NewKafkaClient creates a franz-go client for a comma separated broker list.
func NewKafkaClient(brokers string, topic string) (*kgo.Client, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(brokers, ",")...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create kafka client: %w", err)
	}
	return client, nil
}

func NewKafkaSink(producer KafkaProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Notify(ctx context.Context, n interfaces.Notification) error {
	payload, err := MarshalEvent(n)
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   n.RecordID.Bytes(),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "event_id", Value: []byte(n.EventID)},
		},
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Name() string {
	return "kafka"
}
