package kafka

import (
	"errors"
	"fmt"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/IBM/sarama"
)

// Config конфигурация Kafka
type Config struct {
	Brokers           []string
	ClientID          string
	NotificationTopic string
	StatusTopic       string
	Producer          ProducerConfig
}

// ProducerConfig конфигурация продюсера
type ProducerConfig struct {
	MaxMessageBytes  int
	Compression      sarama.CompressionCodec
	RequiredAcks     sarama.RequiredAcks
	FlushMaxMessages int
}

// NewConfig создает конфигурацию Kafka со значениями по умолчанию
func NewConfig(brokers []string, notificationTopic, statusTopic string) *Config {
	return &Config{
		Brokers:           brokers,
		ClientID:          "billing-sync",
		NotificationTopic: notificationTopic,
		StatusTopic:       statusTopic,
		Producer: ProducerConfig{
			MaxMessageBytes:  1000000,
			Compression:      sarama.CompressionSnappy,
			RequiredAcks:     sarama.WaitForAll,
			FlushMaxMessages: 100,
		},
	}
}

// NewSaramaConfig создает конфигурацию Sarama для синхронного продюсера
func NewSaramaConfig(cfg *Config) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_3_0_0
	saramaConfig.ClientID = cfg.ClientID

	saramaConfig.Producer.MaxMessageBytes = cfg.Producer.MaxMessageBytes
	saramaConfig.Producer.Compression = cfg.Producer.Compression
	saramaConfig.Producer.RequiredAcks = cfg.Producer.RequiredAcks
	saramaConfig.Producer.Flush.MaxMessages = cfg.Producer.FlushMaxMessages
	saramaConfig.Producer.Idempotent = false
	// SyncProducer требует оба канала.
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	return saramaConfig
}

// NewSyncProducer подключает синхронный продюсер Sarama
func NewSyncProducer(cfg *Config, log *logger.Logger) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		log.Errorw("Failed to create Kafka sync producer", "error", err, "brokers", cfg.Brokers)
		return nil, fmt.Errorf("kafka: create sync producer: %w", err)
	}
	log.Infow("Kafka sync producer initialized", "brokers", cfg.Brokers)
	return producer, nil
}
