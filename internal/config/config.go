package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dhoini/billing-sync/pkg/req"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "BILLING"

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// HTTPConfig конфигурация HTTP сервера
type HTTPConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// GRPCConfig конфигурация gRPC сервера здоровья
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port" validate:"required_if=Enabled true"`
}

// WebhookConfig прием и обработка вебхуков
type WebhookConfig struct {
	Secret           string            `mapstructure:"secret" validate:"required"`
	SignatureHeader  string            `mapstructure:"signature_header" validate:"required"`
	ReservationLease time.Duration     `mapstructure:"reservation_lease" validate:"gt=0"`
	InflightWait     time.Duration     `mapstructure:"inflight_wait" validate:"gte=0"`
	ConflictRetries  int               `mapstructure:"conflict_retries" validate:"gte=0"`
	EventTypes       map[string]string `mapstructure:"event_types"`
}

// StoreConfig хранилище состояния
type StoreConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=sqlite postgres mongo memory"`
	DSN           string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
	MongoDatabase string `mapstructure:"mongo_database" validate:"required_if=Driver mongo"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gt=0"`
}

// RedisConfig пустой Addr отключает кэш и блокировку сверки
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// Enabled сообщает, настроен ли Redis
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notification_topic" validate:"required"`
	StatusTopic       string   `mapstructure:"status_topic" validate:"required"`
	EnsureTopics      bool     `mapstructure:"ensure_topics"`
}

// Enabled сообщает, заданы ли брокеры
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type NotifierConfig struct {
	Kind string `mapstructure:"kind" validate:"oneof=log kafka"`
}

// ProviderConfig клиент API провайдера для сверки
type ProviderConfig struct {
	Kind    string        `mapstructure:"kind" validate:"oneof=none http stripe"`
	BaseURL string        `mapstructure:"base_url" validate:"required_if=Kind http"`
	APIKey  string        `mapstructure:"api_key" validate:"required_unless=Kind none"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RPS     float64       `mapstructure:"rps" validate:"gte=0"`
	Burst   int           `mapstructure:"burst" validate:"gte=0"`
}

// ReconcileConfig расписание и параметры сверки
type ReconcileConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	Interval              time.Duration `mapstructure:"interval" validate:"gt=0"`
	RunAt                 string        `mapstructure:"run_at"`
	Timezone              string        `mapstructure:"timezone" validate:"required"`
	BatchSize             int           `mapstructure:"batch_size" validate:"gt=0"`
	Concurrency           int           `mapstructure:"concurrency" validate:"gt=0"`
	ItemTimeout           time.Duration `mapstructure:"item_timeout" validate:"gt=0"`
	DispatchRecoveryAfter time.Duration `mapstructure:"dispatch_recovery_after" validate:"gt=0"`
}

// DispatchConfig пул доставки побочных эффектов
type DispatchConfig struct {
	Async       bool          `mapstructure:"async"`
	Workers     int           `mapstructure:"workers" validate:"gt=0"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gt=0"`
	SendTimeout time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
}

// ArchiveConfig пустой S3Bucket отключает архив тел вебхуков
type ArchiveConfig struct {
	S3Bucket        string `mapstructure:"s3_bucket"`
	S3Prefix        string `mapstructure:"s3_prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Enabled сообщает, включен ли архив
func (c ArchiveConfig) Enabled() bool { return c.S3Bucket != "" }

// AdminConfig пустой APIKey отключает административный API
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "billing-sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.max_body_bytes", 1<<20)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", "9090")

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.reservation_lease", "5m")
	v.SetDefault("webhook.inflight_wait", "2s")
	v.SetDefault("webhook.conflict_retries", 5)
	v.SetDefault("webhook.event_types", map[string]string{})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:billing.db?_busy_timeout=5000")
	v.SetDefault("store.mongo_database", "billing")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("redis.lock_ttl", "1h")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.notification_topic", "billing.notifications")
	v.SetDefault("kafka.status_topic", "subscription.status_changed")
	v.SetDefault("kafka.ensure_topics", false)

	v.SetDefault("notifier.kind", "log")

	v.SetDefault("provider.kind", "none")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("provider.rps", 5)
	v.SetDefault("provider.burst", 5)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "24h")
	v.SetDefault("reconcile.run_at", "03:00")
	v.SetDefault("reconcile.timezone", "UTC")
	v.SetDefault("reconcile.batch_size", 200)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.item_timeout", "30s")
	v.SetDefault("reconcile.dispatch_recovery_after", "10m")

	v.SetDefault("dispatch.async", true)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.send_timeout", "10s")

	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "webhooks")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")

	v.SetDefault("admin.api_key", "")
}

// Load загружает конфигурацию. path указывает на config.yml и может быть пустым:
// тогда файл ищется в текущем каталоге и его отсутствие не ошибка.
func Load(path string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	// BILLING_KAFKA_BROKERS приходит одной строкой через запятую
	cfg.Kafka.Brokers = splitList(strings.Join(cfg.Kafka.Brokers, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет теги и зависимости между секциями
func (c *Config) Validate() error {
	if err := req.Validator().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Notifier.Kind == "kafka" && !c.Kafka.Enabled() {
		return fmt.Errorf("config: notifier.kind=kafka requires kafka.brokers")
	}
	if c.Kafka.EnsureTopics && !c.Kafka.Enabled() {
		return fmt.Errorf("config: kafka.ensure_topics requires kafka.brokers")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
