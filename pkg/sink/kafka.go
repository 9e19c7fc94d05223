package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/suisei-cn/stargazer/pkg/bus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
)

const produceTimeout = 5 * time.Second

// Kafka produces every event to a topic, keyed by subject so a subject's
// events stay ordered within a partition.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("stargazer"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Kafka{
		client: client,
		topic:  topic,
		logger: logger.With("module", "sink_kafka"),
	}, nil
}

func eventRecord(topic string, evt bus.Event) (*kgo.Record, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.Subject),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}, nil
}

func (k *Kafka) Dispatch(ctx context.Context, evt bus.Event) error {
	ctx, span := tracer.Start(ctx, "KafkaDispatch")
	defer span.End()
	span.SetAttributes(attribute.String("topic", k.topic), attribute.String("type", evt.Type))

	record, err := eventRecord(k.topic, evt)
	if err != nil {
		eventsSunk.WithLabelValues("kafka", "error").Inc()
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		eventsSunk.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("failed to produce event: %w", err)
	}
	eventsSunk.WithLabelValues("kafka", "ok").Inc()
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
