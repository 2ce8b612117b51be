package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/IBM/sarama"
)

const headerEventType = "event_type"

// StatusPublisher публикует subscription.status_changed через Sarama
type StatusPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
}

// NewStatusPublisher создает публикатор статусов
func NewStatusPublisher(producer sarama.SyncProducer, topic string, log *logger.Logger) *StatusPublisher {
	return &StatusPublisher{producer: producer, topic: topic, log: log}
}

// PublishStatusChange реализует service.StatusPublisher
func (p *StatusPublisher) PublishStatusChange(ctx context.Context, change domain.StatusChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("kafka: marshal status change: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(change.SubscriberID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerEventType), Value: []byte("subscription.status_changed")},
		},
		Timestamp: change.OccurredAt,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("kafka: publish status change: %w", err)
	}
	p.log.Debugw("Published status change", "topic", p.topic, "subscriberID", change.SubscriberID, "partition", partition, "offset", offset)
	return nil
}

// Close закрывает продюсер
func (p *StatusPublisher) Close() error {
	return p.producer.Close()
}
