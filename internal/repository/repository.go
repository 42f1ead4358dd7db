package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmalink/internal/model"
)

var (
	// ErrNotFound возвращается, если запись отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateOrderNumber возвращается при коллизии номера заказа.
	ErrDuplicateOrderNumber = errors.New("order number already exists")
	// ErrDuplicateReference возвращается, если платёж с таким идентификатором транзакции уже есть.
	ErrDuplicateReference = errors.New("payment reference already exists")
	// ErrPaymentAlreadyCompleted возвращается, если у заказа уже есть завершённый платёж.
	ErrPaymentAlreadyCompleted = errors.New("order already has a completed payment")
)

// OrderFilter задаёт параметры выборки заказов пользователя.
type OrderFilter struct {
	UserID int64
	Status model.OrderStatus
	Limit  int
	Offset int
}

// Store описывает хранилище заказов, остатков и платежей.
type Store interface {
	// WithTx выполняет fn в одной транзакции. Ошибка fn откатывает все изменения.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, int, error)
	GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	ListStalePayments(ctx context.Context, createdBefore time.Time, limit int) ([]model.Payment, error)
	Close() error
}

// Tx описывает операции, доступные внутри транзакции.
// Методы Lock* удерживают блокировку строки до конца транзакции.
type Tx interface {
	GetPharmacy(ctx context.Context, id int64) (*model.Pharmacy, error)
	LockInventory(ctx context.Context, pharmacyID, medicationID int64) (*model.InventoryRecord, error)
	AdjustInventory(ctx context.Context, pharmacyID, medicationID int64, delta int) (int, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	LockOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	InsertPayment(ctx context.Context, p *model.Payment) error
	LockPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	UpdatePayment(ctx context.Context, p *model.Payment) error
	HasCompletedPayment(ctx context.Context, orderID uuid.UUID) (bool, error)
}
