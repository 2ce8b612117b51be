package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

// CreateSubscriberRequest регистрация подписчика. Статус и доступ задать нельзя.
type CreateSubscriberRequest struct {
	ID              string `json:"id" validate:"required,max=128"`
	BillingInterval string `json:"billing_interval" validate:"omitempty,oneof=day week month year"`
}

// SyncResult итог ручной сверки
type SyncResult struct {
	Subscriber *domain.Subscriber `json:"subscriber"`
	Result     string             `json:"result"`
}

// SubscriberService интерфейс административных операций над подписчиками
type SubscriberService interface {
	Create(ctx context.Context, req CreateSubscriberRequest) (*domain.Subscriber, error)
	Get(ctx context.Context, id string) (*domain.Subscriber, error)
	Sync(ctx context.Context, id string) (*SyncResult, error)
	Delete(ctx context.Context, id string) error
}

type subscriberService struct {
	store     repository.SubscriberStore
	scheduler *Scheduler
	provider  ProviderClient
	clock     clock.Clock
	log       *logger.Logger
}

// NewSubscriberService создает сервис подписчиков. provider может быть nil.
func NewSubscriberService(store repository.SubscriberStore, scheduler *Scheduler, provider ProviderClient, clk clock.Clock, log *logger.Logger) SubscriberService {
	if clk == nil {
		clk = clock.Real{}
	}
	return &subscriberService{
		store:     store,
		scheduler: scheduler,
		provider:  provider,
		clock:     clk,
		log:       log,
	}
}

func (s *subscriberService) Create(ctx context.Context, req CreateSubscriberRequest) (*domain.Subscriber, error) {
	sub := domain.NewSubscriber(req.ID, domain.BillingInterval(req.BillingInterval), s.clock.Now())
	if err := s.store.CreateSubscriber(ctx, sub); err != nil {
		return nil, err
	}
	s.log.Infow("Subscriber registered", "subscriberID", sub.ID, "interval", sub.BillingInterval)
	return sub, nil
}

func (s *subscriberService) Get(ctx context.Context, id string) (*domain.Subscriber, error) {
	sub, err := s.store.GetSubscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	// Доступ пересчитывается на текущий момент: льготный период мог истечь до сверки.
	sub.Entitled = sub.EntitledAt(s.clock.Now())
	return sub, nil
}

func (s *subscriberService) Sync(ctx context.Context, id string) (*SyncResult, error) {
	sub, result, err := s.scheduler.ReconcileSubscriber(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Subscriber: sub, Result: result}, nil
}

// Delete удаляет подписчика. Пока к нему привязана подписка провайдера,
// удаление разрешено только если провайдер подтверждает отмену.
func (s *subscriberService) Delete(ctx context.Context, id string) error {
	sub, err := s.store.GetSubscriber(ctx, id)
	if err != nil {
		return err
	}

	if sub.ProviderSubscriptionID != "" {
		if s.provider == nil {
			s.log.Warnw("Refusing delete without provider confirmation", "subscriberID", id)
			return domain.ErrProviderSubscriptionActive
		}
		remote, err := s.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
		if err != nil {
			var perr *domain.ProviderQueryError
			if !errors.As(err, &perr) || !perr.NotFound {
				return fmt.Errorf("service: confirm provider cancellation: %w", err)
			}
			// Провайдер не знает подписку: удалять можно.
		} else if remote.Status != domain.StatusCanceled {
			s.log.Warnw("Refusing delete of subscriber with live provider subscription", "subscriberID", id, "providerStatus", remote.Status)
			return domain.ErrProviderSubscriptionActive
		}
	}

	if err := s.store.DeleteSubscriber(ctx, id); err != nil {
		return err
	}
	s.log.Infow("Subscriber deleted", "subscriberID", id)
	return nil
}
