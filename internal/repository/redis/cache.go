package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
)

const (
	subscriberKeyPrefix = "billing:subscriber:"

	defaultCacheTTL = 30 * time.Second
)

var _ repository.SubscriberStore = (*CachedSubscriberStore)(nil)

// Options параметры подключения к Redis
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient создает клиента и проверяет соединение
func NewClient(ctx context.Context, opts Options, log *logger.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", opts.Addr)
	return client, nil
}

// CachedSubscriberStore кеширует чтения подписчиков по id.
// Любая запись или конфликт версии удаляет или перезаписывает ключ.
type CachedSubscriberStore struct {
	repository.SubscriberStore
	client goredis.UniversalClient
	ttl    time.Duration
	log    *logger.Logger
}

// NewCachedSubscriberStore оборачивает store кешем
func NewCachedSubscriberStore(store repository.SubscriberStore, client goredis.UniversalClient, ttl time.Duration, log *logger.Logger) *CachedSubscriberStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedSubscriberStore{
		SubscriberStore: store,
		client:          client,
		ttl:             ttl,
		log:             log,
	}
}

func subscriberKey(id string) string {
	return subscriberKeyPrefix + id
}

// CreateSubscriber сохраняет подписчика и кеширует его
func (c *CachedSubscriberStore) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	if err := c.SubscriberStore.CreateSubscriber(ctx, sub); err != nil {
		return err
	}
	c.cache(ctx, sub)
	return nil
}

// GetSubscriber сначала ищет в кеше, потом в хранилище
func (c *CachedSubscriberStore) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	data, err := c.client.Get(ctx, subscriberKey(id)).Bytes()
	switch {
	case err == nil:
		var sub domain.Subscriber
		if err := json.Unmarshal(data, &sub); err == nil {
			c.log.Debugw("Subscriber found in cache", "subscriberID", id)
			return &sub, nil
		}
		c.log.Warnw("Failed to unmarshal cached subscriber", "error", err, "subscriberID", id)
		c.invalidate(ctx, id)
	case errors.Is(err, goredis.Nil):
	default:
		c.log.Warnw("Error getting subscriber from cache", "error", err, "subscriberID", id)
	}

	sub, err := c.SubscriberStore.GetSubscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache(ctx, sub)
	return sub, nil
}

// UpdateSubscriber записывает в хранилище и обновляет кеш.
// При конфликте ключ удаляется, чтобы повтор прочитал актуальную версию.
func (c *CachedSubscriberStore) UpdateSubscriber(ctx context.Context, sub *domain.Subscriber, expectedVersion int64) error {
	if err := c.SubscriberStore.UpdateSubscriber(ctx, sub, expectedVersion); err != nil {
		c.invalidate(ctx, sub.ID)
		return err
	}
	c.cache(ctx, sub)
	return nil
}

// DeleteSubscriber удаляет подписчика и ключ кеша
func (c *CachedSubscriberStore) DeleteSubscriber(ctx context.Context, id string) error {
	err := c.SubscriberStore.DeleteSubscriber(ctx, id)
	c.invalidate(ctx, id)
	return err
}

func (c *CachedSubscriberStore) cache(ctx context.Context, sub *domain.Subscriber) {
	data, err := json.Marshal(sub)
	if err != nil {
		c.log.Errorw("Failed to marshal subscriber for caching", "error", err, "subscriberID", sub.ID)
		return
	}
	if err := c.client.Set(ctx, subscriberKey(sub.ID), data, c.ttl).Err(); err != nil {
		c.log.Warnw("Failed to cache subscriber", "error", err, "subscriberID", sub.ID)
	}
}

func (c *CachedSubscriberStore) invalidate(ctx context.Context, id string) {
	if err := c.client.Del(ctx, subscriberKey(id)).Err(); err != nil {
		c.log.Warnw("Failed to invalidate cached subscriber", "error", err, "subscriberID", id)
	}
}
