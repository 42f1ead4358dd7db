package model

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition возвращается при попытке перехода, отсутствующего в таблице состояний.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:     {OrderStatusCompleted, OrderStatusCancelled},
}

// ParseOrderStatus проверяет, что строка является известным статусом заказа.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	switch st {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusReady, OrderStatusCompleted, OrderStatusCancelled:
		return st, true
	}
	return "", false
}

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanTransitionTo сообщает, разрешён ли переход в next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateOrderTransition возвращает ErrInvalidStateTransition для запрещённого перехода.
func ValidateOrderTransition(from, to OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: order %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

// IsTerminal сообщает, что платёж больше не меняет статус при сверке.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}
