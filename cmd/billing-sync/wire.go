package main

import (
	"context"
	"fmt"

	"github.com/Dhoini/billing-sync/internal/archive"
	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/internal/dispatcher"
	"github.com/Dhoini/billing-sync/internal/envelope"
	"github.com/Dhoini/billing-sync/internal/integration/provider"
	"github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/internal/ledger"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/repository/memory"
	"github.com/Dhoini/billing-sync/internal/repository/mongostore"
	"github.com/Dhoini/billing-sync/internal/repository/redis"
	"github.com/Dhoini/billing-sync/internal/repository/sqlstore"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

const runLockKey = "billing-sync:reconcile:lock"

// application собранный граф зависимостей
type application struct {
	cfg         *config.Config
	log         *logger.Logger
	clock       clock.Clock
	store       repository.Store
	subscribers repository.SubscriberStore
	registry    *prometheus.Registry
	metrics     metrics.BillingMetrics
	dispatcher  *dispatcher.Dispatcher
	processor   *service.Processor
	scheduler   *service.Scheduler
	subscriber  service.SubscriberService

	closers []func() error
}

// openStore открывает хранилище по store.driver
func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return sqlstore.OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, log)
	case "sqlite":
		return sqlstore.OpenSQLite(ctx, cfg.DSN, log)
	case "mongo":
		return mongostore.Open(ctx, cfg.DSN, cfg.MongoDatabase, log)
	case "memory":
		log.Warnw("Using in-memory store, state is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// migrateStore применяет схему выбранного бэкенда
func migrateStore(ctx context.Context, store repository.Store) error {
	switch s := store.(type) {
	case *sqlstore.Store:
		return s.Migrate()
	case *mongostore.Store:
		return s.Migrate(ctx)
	default:
		return nil
	}
}

func newProviderClient(cfg config.ProviderConfig, log *logger.Logger) (service.ProviderClient, error) {
	switch cfg.Kind {
	case "http":
		return provider.NewClient(provider.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}, log)
	case "stripe":
		return stripe.NewClient(stripe.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}, log), nil
	default:
		return nil, nil
	}
}

// buildApplication собирает сервис из конфигурации. При ошибке уже открытые ресурсы закрываются.
func buildApplication(ctx context.Context, cfg *config.Config, log *logger.Logger, autoMigrate bool) (_ *application, err error) {
	app := &application{
		cfg:      cfg,
		log:      log,
		clock:    clock.Real{},
		registry: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			app.close()
		}
	}()
	app.metrics = metrics.NewBillingMetrics(app.registry, log)

	store, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.store = store
	app.closers = append(app.closers, store.Close)
	if autoMigrate {
		if err := migrateStore(ctx, store); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}

	app.subscribers = store
	var lock service.PassLock
	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		app.subscribers = redis.NewCachedSubscriberStore(store, client, cfg.Redis.CacheTTL, log)
		lock = redis.NewRunLock(client, runLockKey, cfg.Redis.LockTTL)
	}

	var kafkaCfg *kafka.Config
	if cfg.Kafka.Enabled() {
		kafkaCfg = kafka.NewConfig(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, cfg.Kafka.StatusTopic)
		if cfg.Kafka.EnsureTopics {
			if err := kafka.EnsureTopics(ctx, kafkaCfg.Brokers, kafka.DefaultTopics(kafkaCfg), log); err != nil {
				return nil, err
			}
		}
	}

	var notifier dispatcher.Notifier = dispatcher.NewLogNotifier(log)
	if cfg.Notifier.Kind == "kafka" {
		kafkaNotifier, err := kafka.NewNotifier(kafkaCfg, log)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, kafkaNotifier.Close)
		notifier = kafkaNotifier
	}

	var publisher service.StatusPublisher
	if kafkaCfg != nil {
		producer, err := kafka.NewSyncProducer(kafkaCfg, log)
		if err != nil {
			return nil, err
		}
		statusPublisher := kafka.NewStatusPublisher(producer, kafkaCfg.StatusTopic, log)
		app.closers = append(app.closers, statusPublisher.Close)
		publisher = statusPublisher
	}

	var payloadArchive service.PayloadArchive
	if cfg.Archive.Enabled() {
		s3Archive, err := archive.NewS3Archive(ctx, archive.Config{
			Bucket:          cfg.Archive.S3Bucket,
			Prefix:          cfg.Archive.S3Prefix,
			Region:          cfg.Archive.Region,
			EndpointURL:     cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			return nil, err
		}
		payloadArchive = s3Archive
	}

	providerClient, err := newProviderClient(cfg.Provider, log)
	if err != nil {
		return nil, fmt.Errorf("provider client: %w", err)
	}

	types, err := envelope.NewTypeTable(cfg.Webhook.EventTypes)
	if err != nil {
		return nil, fmt.Errorf("webhook.event_types: %w", err)
	}

	app.dispatcher = dispatcher.New(store, notifier, app.clock, app.metrics, dispatcher.Options{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, log)

	app.processor = service.NewProcessor(service.ProcessorDeps{
		Store:      app.subscribers,
		Ledger:     ledger.New(store, app.clock, ledger.Options{Lease: cfg.Webhook.ReservationLease, InflightWait: cfg.Webhook.InflightWait}, log),
		Parser:     envelope.NewParser(app.subscribers, types, app.clock, log),
		Dispatcher: app.dispatcher,
		Publisher:  publisher,
		Archive:    payloadArchive,
		Clock:      app.clock,
		Metrics:    app.metrics,
	}, service.ProcessorOptions{
		ConflictRetries: cfg.Webhook.ConflictRetries,
		AsyncDispatch:   cfg.Dispatch.Async,
	}, log)

	schedulerDeps := service.SchedulerDeps{
		Store:      app.subscribers,
		Processor:  app.processor,
		Dispatcher: app.dispatcher,
		Lock:       lock,
		Clock:      app.clock,
		Metrics:    app.metrics,
	}
	if providerClient != nil {
		schedulerDeps.Provider = providerClient
	}
	app.scheduler, err = service.NewScheduler(schedulerDeps, service.SchedulerOptions{
		Interval:              cfg.Reconcile.Interval,
		RunAt:                 cfg.Reconcile.RunAt,
		Timezone:              cfg.Reconcile.Timezone,
		BatchSize:             cfg.Reconcile.BatchSize,
		Concurrency:           cfg.Reconcile.Concurrency,
		ItemTimeout:           cfg.Reconcile.ItemTimeout,
		ConflictRetries:       cfg.Webhook.ConflictRetries,
		DispatchRecoveryAfter: cfg.Reconcile.DispatchRecoveryAfter,
		ProviderRPS:           cfg.Provider.RPS,
		ProviderBurst:         cfg.Provider.Burst,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	app.subscriber = service.NewSubscriberService(app.subscribers, app.scheduler, providerClient, app.clock, log)
	return app, nil
}

// close освобождает ресурсы в обратном порядке
func (a *application) close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
