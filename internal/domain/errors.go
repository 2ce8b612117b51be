package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrAuthenticationFailure подпись вебхука отсутствует или неверна
	ErrAuthenticationFailure = errors.New("webhook authentication failure")

	// ErrUnresolvedSubscriber событие не удалось привязать к подписчику
	ErrUnresolvedSubscriber = errors.New("unresolved subscriber")

	// ErrMalformedEvent тело события не разбирается
	ErrMalformedEvent = errors.New("malformed event")

	// ErrStateStoreConflict конкурентная запись: версия в хранилище изменилась
	ErrStateStoreConflict = errors.New("state store conflict")

	// ErrProviderQuery запрос к API провайдера не удался
	ErrProviderQuery = errors.New("provider query failure")

	// ErrSideEffectDispatch побочный эффект не доставлен
	ErrSideEffectDispatch = errors.New("side effect dispatch failure")

	// ErrEventInFlight событие с этим идентификатором сейчас обрабатывается
	ErrEventInFlight = errors.New("event is being processed")

	// ErrProviderSubscriptionActive удаление запрещено, пока провайдер не подтвердил отмену
	ErrProviderSubscriptionActive = errors.New("provider subscription is not canceled")
)

// ParseErrorKind вид ошибки разбора
type ParseErrorKind string

const (
	ParseUnresolvedSubscriber ParseErrorKind = "unresolved_subscriber"
	ParseMalformed            ParseErrorKind = "malformed"
	// ParseUnapplicable событие разобрано, но не может быть применено к состоянию
	ParseUnapplicable ParseErrorKind = "unapplicable"
)

// ParseError ошибка разбора конверта события
type ParseError struct {
	Kind        ParseErrorKind
	EventID     string
	EventType   EventType
	Message     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ParseError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("parse error [%s]: %s: %v (event_id: %s)", e.Kind, e.Message, e.OriginalErr, e.EventID)
	}
	return fmt.Sprintf("parse error [%s]: %s (event_id: %s)", e.Kind, e.Message, e.EventID)
}

// Unwrap возвращает оригинальную ошибку
func (e *ParseError) Unwrap() error {
	return e.OriginalErr
}

// Is сопоставляет вид ошибки с сигнальной ошибкой
func (e *ParseError) Is(target error) bool {
	switch e.Kind {
	case ParseUnresolvedSubscriber:
		return target == ErrUnresolvedSubscriber
	case ParseMalformed:
		return target == ErrMalformedEvent
	}
	return false
}

// NewMalformedError создает ошибку неразборчивого события
func NewMalformedError(eventID, message string, err error) *ParseError {
	return &ParseError{Kind: ParseMalformed, EventID: eventID, Message: message, OriginalErr: err}
}

// NewUnresolvedError создает ошибку неразрешенного подписчика
func NewUnresolvedError(eventID string, eventType EventType, message string) *ParseError {
	return &ParseError{Kind: ParseUnresolvedSubscriber, EventID: eventID, EventType: eventType, Message: message}
}

// NewUnapplicableError создает ошибку события, которое навсегда отвергнуто хранилищем
func NewUnapplicableError(eventID string, eventType EventType, message string, err error) *ParseError {
	return &ParseError{Kind: ParseUnapplicable, EventID: eventID, EventType: eventType, Message: message, OriginalErr: err}
}

// ProviderQueryError ошибка внешнего API провайдера
type ProviderQueryError struct {
	Provider       string
	SubscriptionID string
	StatusCode     int
	NotFound       bool
	Retryable      bool
	Message        string
	OriginalErr    error
}

// Error реализует интерфейс error
func (e *ProviderQueryError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s provider error: %s: %v (subscription_id: %s, status: %d)", e.Provider, e.Message, e.OriginalErr, e.SubscriptionID, e.StatusCode)
	}
	return fmt.Sprintf("%s provider error: %s (subscription_id: %s, status: %d)", e.Provider, e.Message, e.SubscriptionID, e.StatusCode)
}

// Unwrap возвращает оригинальную ошибку
func (e *ProviderQueryError) Unwrap() error {
	return e.OriginalErr
}

// Is проверяет принадлежность к ErrProviderQuery
func (e *ProviderQueryError) Is(target error) bool {
	return target == ErrProviderQuery
}

// NewProviderQueryError создает ошибку провайдера. 404 и 429/5xx размечаются автоматически.
func NewProviderQueryError(provider, subscriptionID string, statusCode int, message string, err error) *ProviderQueryError {
	return &ProviderQueryError{
		Provider:       provider,
		SubscriptionID: subscriptionID,
		StatusCode:     statusCode,
		NotFound:       statusCode == 404,
		Retryable:      statusCode == 0 || statusCode == 429 || statusCode >= 500,
		Message:        message,
		OriginalErr:    err,
	}
}

// DispatchError ошибка доставки побочного эффекта
type DispatchError struct {
	EventID     string
	Kind        SideEffectKind
	OriginalErr error
}

// Error реализует интерфейс error
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s for event %s: %v", e.Kind, e.EventID, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *DispatchError) Unwrap() error {
	return e.OriginalErr
}

// Is проверяет принадлежность к ErrSideEffectDispatch
func (e *DispatchError) Is(target error) bool {
	return target == ErrSideEffectDispatch
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// DuplicateError представляет ошибку дубликата
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

// Error реализует интерфейс error
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Entity, e.Field, e.Value)
}

// Is проверяет, является ли ошибка ошибкой дубликата
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewDuplicateError создает новую ошибку дубликата
func NewDuplicateError(entity, field, value string) *DuplicateError {
	return &DuplicateError{
		Entity: entity,
		Field:  field,
		Value:  value,
	}
}
