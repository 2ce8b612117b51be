package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Dhoini/billing-sync/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
)

// TopicSpec параметры создаваемого топика
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// DefaultTopics топики сервиса из конфигурации
func DefaultTopics(cfg *Config) []TopicSpec {
	return []TopicSpec{
		{Name: cfg.NotificationTopic, Partitions: 3, ReplicationFactor: 1},
		{Name: cfg.StatusTopic, Partitions: 3, ReplicationFactor: 1},
	}
}

// missingTopics конфигурации топиков, которых нет среди existing
func missingTopics(required []TopicSpec, existing map[string]bool) []kafkaGo.TopicConfig {
	var out []kafkaGo.TopicConfig
	for _, spec := range required {
		if spec.Name == "" || existing[spec.Name] {
			continue
		}
		out = append(out, kafkaGo.TopicConfig{
			Topic:             spec.Name,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		})
	}
	return out
}

// EnsureTopics создает недостающие топики через первый брокер.
func EnsureTopics(ctx context.Context, brokers []string, topics []TopicSpec, log *logger.Logger) error {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return errors.New("kafka broker address is empty")
	}
	broker := strings.TrimSpace(brokers[0])
	if _, _, err := net.SplitHostPort(broker); err != nil {
		return fmt.Errorf("invalid broker address %s: %w", broker, err)
	}

	conn, err := kafkaGo.DialContext(ctx, "tcp", broker)
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", broker, "error", err)
		return fmt.Errorf("kafka: connect: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	existing := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		existing[p.Topic] = true
	}

	toCreate := missingTopics(topics, existing)
	if len(toCreate) == 0 {
		log.Info("All required Kafka topics already exist")
		return nil
	}

	// Топики создаются на контроллере кластера.
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	controllerAddr := net.JoinHostPort(controller.Host, fmt.Sprint(controller.Port))
	controllerConn, err := kafkaGo.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		return fmt.Errorf("kafka: connect controller %s: %w", controllerAddr, err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(toCreate...); err != nil && !errors.Is(err, kafkaGo.TopicAlreadyExists) {
		log.Errorw("Failed to create topics", "error", err, "count", len(toCreate))
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for _, tc := range toCreate {
		log.Infow("Kafka topic ensured", "topic", tc.Topic, "partitions", tc.NumPartitions)
	}
	return nil
}
