package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces audit events to a Kafka topic, keyed by record ID
// so one record's events stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects to the brokers. Returns an error when the
// client cannot be constructed; broker unavailability surfaces later on
// produce and is logged, not propagated.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

// Emit produces asynchronously. Failures are logged; anchoring operations
// never fail because the audit broker is down.
func (p *KafkaPublisher) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal audit event", "error", err, "action", event.Action)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.RecordID.String()),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("produce audit event",
				"error", err,
				"action", event.Action,
				"record_id", event.RecordID,
			)
		}
	})
}

// Close flushes buffered events and releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
