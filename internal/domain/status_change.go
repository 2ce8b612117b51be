package domain

import "time"

// StatusChange сообщение об изменении статуса или доступа подписчика.
type StatusChange struct {
	SubscriberID   string             `json:"subscriber_id"`
	PreviousStatus SubscriptionStatus `json:"previous_status"`
	Status         SubscriptionStatus `json:"status"`
	Entitled       bool               `json:"entitled"`
	EventID        string             `json:"event_id"`
	OccurredAt     time.Time          `json:"occurred_at"`
}
