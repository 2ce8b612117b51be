package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	colSubscribers = "subscribers"
	colLedger      = "ledger_entries"
	colDispatches  = "side_effect_dispatches"
)

var _ repository.Store = (*Store)(nil)

// Store реализация repository.Store поверх MongoDB
type Store struct {
	client      *mongo.Client
	subscribers *mongo.Collection
	ledger      *mongo.Collection
	dispatches  *mongo.Collection
	log         *logger.Logger
}

// Open подключается к MongoDB и создает индексы
func Open(ctx context.Context, uri, database string, log *logger.Logger) (*Store, error) {
	log.Info("Connecting to MongoDB")

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:      client,
		subscribers: db.Collection(colSubscribers),
		ledger:      db.Collection(colLedger),
		dispatches:  db.Collection(colDispatches),
		log:         log,
	}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Infow("Successfully connected to MongoDB", "database", database)
	return s, nil
}

// Migrate создает индексы коллекций
func (s *Store) Migrate(ctx context.Context) error {
	for name, indexes := range migrationIndexes() {
		col := s.subscribers.Database().Collection(name)
		if _, err := col.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongostore: create indexes for %s: %w", name, err)
		}
	}
	return nil
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscribers: {
			{
				Keys:    bson.D{{Key: "provider_subscription_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_billing_at", Value: 1}}},
		},
		colDispatches: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}

// Ping проверяет соединение
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close отключается от MongoDB
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop удаляет базу целиком. Используется в тестах.
func (s *Store) Drop(ctx context.Context) error {
	return s.subscribers.Database().Drop(ctx)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// mongoTime приводит время к точности хранения BSON (миллисекунды).
func mongoTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func mongoTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := mongoTime(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
