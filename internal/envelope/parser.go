package envelope

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/req"
)

// SubscriberResolver поиск подписчика для привязки события.
type SubscriberResolver interface {
	GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error)
	GetSubscriberByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscriber, error)
}

// Timestamp принимает RFC3339-строку или unix-секунды.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON реализует json.Unmarshaler
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix timestamp %s: %w", data, err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// Ptr время в UTC или nil, если значение не задано
func (t *Timestamp) Ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return domain.TimePtr(t.Time)
}

type paymentMethodPayload struct {
	Brand string `json:"brand" validate:"omitempty,max=32"`
	Last4 string `json:"last4" validate:"omitempty,len=4,numeric"`
}

type customDataPayload struct {
	SubscriberID string `json:"subscriber_id"`
}

type dataPayload struct {
	SubscriptionID    string                `json:"subscription_id"`
	CustomData        customDataPayload     `json:"custom_data"`
	Status            string                `json:"status"`
	Cancellation      string                `json:"cancellation"`
	CancelAtPeriodEnd *bool                 `json:"cancel_at_period_end"`
	CancelAt          *Timestamp            `json:"cancel_at"`
	CanceledAt        *Timestamp            `json:"canceled_at"`
	CurrentPeriodEnd  *Timestamp            `json:"current_period_end"`
	PaymentMethod     *paymentMethodPayload `json:"payment_method"`
}

// payload конверт события провайдера
type payload struct {
	ID         string      `json:"id" validate:"required,max=255"`
	Type       string      `json:"type" validate:"required,max=255"`
	OccurredAt *Timestamp  `json:"occurred_at"`
	Data       dataPayload `json:"data"`
}

// Parser разбирает тела вебхуков
type Parser struct {
	resolver SubscriberResolver
	types    *TypeTable
	clock    clock.Clock
	log      *logger.Logger
}

// NewParser создает парсер
func NewParser(resolver SubscriberResolver, types *TypeTable, clk clock.Clock, log *logger.Logger) *Parser {
	if types == nil {
		types, _ = NewTypeTable(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Parser{resolver: resolver, types: types, clock: clk, log: log}
}

// AuditID идентификатор записи журнала для тела без id события.
func AuditID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Parse разбирает тело. Ошибки разбора возвращаются как *domain.ParseError;
// любая другая ошибка означает сбой хранилища при поиске подписчика.
func (p *Parser) Parse(ctx context.Context, raw []byte) (*domain.Event, error) {
	var env payload
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.NewMalformedError(AuditID(raw), "invalid JSON", err)
	}
	if err := req.Validator().Struct(env); err != nil {
		id := env.ID
		if id == "" {
			id = AuditID(raw)
		}
		return nil, domain.NewMalformedError(id, "envelope validation failed", err)
	}

	reported, statusKnown := domain.ParseSubscriptionStatus(strings.ToLower(env.Data.Status))
	if !statusKnown {
		reported = ""
	}
	eventType := p.types.Resolve(env.Type, reported)

	now := p.clock.Now().UTC()
	ev := &domain.Event{
		ID:                     env.ID,
		Type:                   eventType,
		ProviderType:           env.Type,
		ProviderSubscriptionID: env.Data.SubscriptionID,
		ReportedStatus:         reported,
		PeriodEnd:              env.Data.CurrentPeriodEnd.Ptr(),
		OccurredAt:             now,
		ReceivedAt:             now,
		Source:                 domain.SourceWebhook,
		Payload:                append([]byte(nil), raw...),
	}
	if occurred := env.OccurredAt.Ptr(); occurred != nil {
		ev.OccurredAt = *occurred
	}
	if pm := env.Data.PaymentMethod; pm != nil && (pm.Brand != "" || pm.Last4 != "") {
		ev.PaymentMethod = &domain.PaymentMethod{Brand: pm.Brand, Last4: pm.Last4}
	}
	if eventType == domain.EventCanceled || (eventType == domain.EventStatusChanged && reported == domain.StatusCanceled) {
		ev.Cancellation = cancellationMode(env.Data.Cancellation, env.Data.CancelAtPeriodEnd)
		ev.EffectiveAt = env.Data.CancelAt.Ptr()
		if ev.EffectiveAt == nil && ev.Cancellation == domain.CancelImmediately {
			ev.EffectiveAt = env.Data.CanceledAt.Ptr()
		}
	}

	subscriberID, err := p.resolve(ctx, env)
	if err != nil {
		var parseErr *domain.ParseError
		if errors.As(err, &parseErr) {
			parseErr.EventID = ev.ID
			parseErr.EventType = ev.Type
		}
		return nil, err
	}
	ev.SubscriberID = subscriberID

	if eventType == domain.EventUnknown {
		p.log.Infow("Unrecognized provider event type recorded as unknown", "eventID", ev.ID, "providerType", env.Type)
	}
	return ev, nil
}

// resolve привязывает событие: сначала custom_data, затем id подписки провайдера.
func (p *Parser) resolve(ctx context.Context, env payload) (string, error) {
	if id := strings.TrimSpace(env.Data.CustomData.SubscriberID); id != "" {
		sub, err := p.resolver.GetSubscriber(ctx, id)
		switch {
		case err == nil:
			return sub.ID, nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("envelope: resolve subscriber %s: %w", id, err)
		}
		p.log.Debugw("Custom data subscriber not found, falling back to provider id", "subscriberID", id, "eventID", env.ID)
	}

	if providerID := strings.TrimSpace(env.Data.SubscriptionID); providerID != "" {
		sub, err := p.resolver.GetSubscriberByProviderID(ctx, providerID)
		switch {
		case err == nil:
			return sub.ID, nil
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("envelope: resolve provider subscription %s: %w", providerID, err)
		}
	}

	return "", domain.NewUnresolvedError(env.ID, "", "no known subscriber for event")
}

// cancellationMode явное значение побеждает, если cancel_at_period_end ему не противоречит.
// Все неоднозначное трактуется как отмена в конце периода.
func cancellationMode(explicit string, atPeriodEnd *bool) domain.CancellationMode {
	var mode domain.CancellationMode
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "immediate", "immediately", "now":
		mode = domain.CancelImmediately
	case "end_of_period", "at_period_end", "period_end":
		mode = domain.CancelAtPeriodEnd
	}

	switch {
	case mode != "" && atPeriodEnd == nil:
		return mode
	case mode != "":
		if (mode == domain.CancelAtPeriodEnd) == *atPeriodEnd {
			return mode
		}
		return domain.CancelAtPeriodEnd
	case atPeriodEnd != nil && !*atPeriodEnd:
		return domain.CancelImmediately
	default:
		return domain.CancelAtPeriodEnd
	}
}
