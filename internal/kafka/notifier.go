package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/google/uuid"
	kafkaGo "github.com/segmentio/kafka-go"
)

const writeTimeout = 15 * time.Second

// messageWriter часть kafka.Writer, нужная Notifier
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkaGo.Message) error
	Close() error
}

// NotificationIntent сообщение для email-сервиса
type NotificationIntent struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	SubscriberID string            `json:"subscriber_id"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Notifier публикует намерения уведомить подписчика через segmentio/kafka-go.
type Notifier struct {
	writer messageWriter
	topic  string
	clock  clock.Clock
	log    *logger.Logger
}

// NewNotifier создает Notifier поверх kafka.Writer
func NewNotifier(cfg *Config, log *logger.Logger) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create notifier")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(cfg.Brokers...),
		Topic:        cfg.NotificationTopic,
		Balancer:     &kafkaGo.Hash{},
		RequiredAcks: kafkaGo.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	log.Infow("Kafka notifier initialized", "brokers", cfg.Brokers, "topic", cfg.NotificationTopic)
	return newNotifier(writer, cfg.NotificationTopic, clock.Real{}, log), nil
}

func newNotifier(writer messageWriter, topic string, clk clock.Clock, log *logger.Logger) *Notifier {
	return &Notifier{writer: writer, topic: topic, clock: clk, log: log}
}

// Send реализует dispatcher.Notifier. Ключ сообщения - id подписчика, чтобы
// уведомления одного подписчика шли в одну партицию.
func (n *Notifier) Send(ctx context.Context, kind domain.SideEffectKind, subscriberID string, fields map[string]string) error {
	intent := NotificationIntent{
		ID:           uuid.NewString(),
		Kind:         string(kind),
		SubscriberID: subscriberID,
		Context:      fields,
		CreatedAt:    n.clock.Now(),
	}
	value, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("kafka: marshal notification: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err = n.writer.WriteMessages(writeCtx, kafkaGo.Message{
		Key:   []byte(subscriberID),
		Value: value,
		Time:  intent.CreatedAt,
		Headers: []kafkaGo.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			n.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", n.topic, "subscriberID", subscriberID)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		n.log.Errorw("Failed to write notification to Kafka", "error", err, "topic", n.topic, "subscriberID", subscriberID)
		return fmt.Errorf("kafka: write notification: %w", err)
	}

	n.log.Debugw("Notification published", "topic", n.topic, "kind", kind, "subscriberID", subscriberID, "id", intent.ID)
	return nil
}

// Close закрывает writer
func (n *Notifier) Close() error {
	if err := n.writer.Close(); err != nil {
		n.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}
