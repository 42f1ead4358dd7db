// Package events публикует доменные события заказов и платежей после фиксации транзакции.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Типы событий совпадают с ключами маршрутизации в обменнике.
const (
	OrderCreated   = "order.created"
	OrderCancelled = "order.cancelled"
	OrderConfirmed = "order.confirmed"
	PaymentFailed  = "payment.failed"
)

// Envelope оборачивает полезную нагрузку события.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// OrderEvent описывает изменение заказа.
type OrderEvent struct {
	OrderID     uuid.UUID       `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	UserID      int64           `json:"userId"`
	PharmacyID  int64           `json:"pharmacyId"`
	Status      string          `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Currency    string          `json:"currency"`
}

// PaymentEvent описывает итог платежа.
type PaymentEvent struct {
	OrderID       uuid.UUID       `json:"orderId"`
	Reference     string          `json:"reference"`
	Processor     string          `json:"processor"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FailureReason string          `json:"failureReason,omitempty"`
}

// Publisher отправляет событие во внешнюю шину.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any) error
	Close() error
}

// NopPublisher отбрасывает события. Используется, когда шина не настроена.
type NopPublisher struct{}

// Publish ничего не делает.
func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// Close ничего не делает.
func (NopPublisher) Close() error { return nil }

// NewEnvelope формирует конверт события с новым идентификатором.
func NewEnvelope(eventType string, data any, now time.Time) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: now.UTC(),
		Data:       data,
	}
}
