package envelope

import (
	"fmt"
	"strings"

	"github.com/Dhoini/billing-sync/internal/domain"
)

// defaultEventTypes имена событий провайдеров, известные без настройки.
var defaultEventTypes = map[string]domain.EventType{
	"activated":              domain.EventActivated,
	"canceled":               domain.EventCanceled,
	"payment_failed":         domain.EventPaymentFailed,
	"payment_method_updated": domain.EventPaymentMethodUpdated,
	"status_changed":         domain.EventStatusChanged,

	"subscription.activated": domain.EventActivated,
	"subscription.resumed":   domain.EventActivated,
	"subscription.canceled":  domain.EventCanceled,
	"subscription.cancelled": domain.EventCanceled,

	"customer.subscription.deleted": domain.EventCanceled,

	"subscription.payment_failed": domain.EventPaymentFailed,
	"invoice.payment_failed":      domain.EventPaymentFailed,
	"transaction.payment_failed":  domain.EventPaymentFailed,

	"subscription.payment_method_updated": domain.EventPaymentMethodUpdated,
	"payment_method.attached":             domain.EventPaymentMethodUpdated,
	"customer.payment_method.updated":     domain.EventPaymentMethodUpdated,
}

// TypeTable отображение имен событий провайдера в закрытый набор типов.
type TypeTable struct {
	types map[string]domain.EventType
}

// NewTypeTable строит таблицу из набора по умолчанию и дополнений из конфигурации.
// Дополнения переопределяют встроенные имена.
func NewTypeTable(extra map[string]string) (*TypeTable, error) {
	types := make(map[string]domain.EventType, len(defaultEventTypes)+len(extra))
	for name, t := range defaultEventTypes {
		types[name] = t
	}
	for name, variant := range extra {
		t := domain.EventType(strings.ToLower(strings.TrimSpace(variant)))
		if !t.Valid() {
			return nil, fmt.Errorf("envelope: event type %q maps to unknown variant %q", name, variant)
		}
		types[strings.ToLower(strings.TrimSpace(name))] = t
	}
	return &TypeTable{types: types}, nil
}

// Resolve возвращает тип события. reported - статус из тела события, если он распознан.
// Имена вида "*.updated" превращаются в status_changed, когда статус известен.
func (t *TypeTable) Resolve(providerType string, reported domain.SubscriptionStatus) domain.EventType {
	name := strings.ToLower(strings.TrimSpace(providerType))
	if et, ok := t.types[name]; ok {
		return et
	}
	if strings.HasSuffix(name, ".updated") && reported.Valid() {
		return domain.EventStatusChanged
	}
	return domain.EventUnknown
}
