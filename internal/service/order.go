package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mmeshcher/pharmalink/internal/events"
	"github.com/mmeshcher/pharmalink/internal/metrics"
	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/repository"
	"github.com/mmeshcher/pharmalink/internal/validation"
)

const (
	// DefaultPageLimit используется, если размер страницы не задан.
	DefaultPageLimit = 20
	// MaxPageLimit ограничивает размер страницы списка заказов.
	MaxPageLimit = 100

	maxItemQuantity     = 1000
	orderNumberAttempts = 3

	deliveryMethodPickup   = "pickup"
	deliveryMethodDelivery = "delivery"
	defaultPaymentMethod   = "cash"
)

// CreateOrderItem описывает запрошенную позицию заказа.
type CreateOrderItem struct {
	MedicationID int64
	Quantity     int
}

// CreateOrderInput содержит данные нового заказа.
type CreateOrderInput struct {
	PharmacyID      int64
	Items           []CreateOrderItem
	DeliveryAddress string
	DeliveryMethod  string
	PaymentMethod   string
	Notes           string
}

// UpdateOrderInput содержит изменяемые пользователем поля заказа.
type UpdateOrderInput struct {
	Status *model.OrderStatus
	Notes  *string
}

// ListOrdersInput задаёт фильтр и страницу списка заказов.
type ListOrdersInput struct {
	Status model.OrderStatus
	Limit  int
	Offset int
}

// OrderPage содержит страницу заказов и общее число заказов по фильтру.
type OrderPage struct {
	Orders []model.Order
	Total  int
	Limit  int
	Offset int
}

// OrderService управляет жизненным циклом заказов.
type OrderService struct {
	store        repository.Store
	ledger       *Ledger
	notifier     notifier
	metrics      *metrics.Metrics
	logger       *zap.Logger
	baseCurrency string
	now          func() time.Time
}

// NewOrderService создаёт сервис заказов.
func NewOrderService(
	store repository.Store,
	ledger *Ledger,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	baseCurrency string,
) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		store:        store,
		ledger:       ledger,
		notifier:     notifier{publisher: publisher, metrics: m, logger: logger},
		metrics:      m,
		logger:       logger,
		baseCurrency: strings.ToUpper(baseCurrency),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Create резервирует все позиции и сохраняет заказ в одной транзакции.
// При ошибке любой позиции ни одно резервирование не сохраняется.
func (s *OrderService) Create(ctx context.Context, userID int64, in CreateOrderInput) (_ *model.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.Create",
		attribute.Int64("order.user_id", userID),
		attribute.Int64("order.pharmacy_id", in.PharmacyID),
		attribute.Int("order.items", len(in.Items)),
	)
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("order.create", start, err)
		endSpan(span, err)
	}()

	if err := s.validateCreate(userID, &in); err != nil {
		return nil, err
	}

	var order *model.Order
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		order, err = s.createOnce(ctx, userID, in)
		if !errors.Is(err, repository.ErrDuplicateOrderNumber) {
			break
		}
		s.logger.Warn("order number collision", zap.Int("attempt", attempt), zap.Error(err))
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("user_id", userID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	s.notifier.publish(ctx, events.OrderCreated, orderEvent(order))

	return order, nil
}

func (s *OrderService) validateCreate(userID int64, in *CreateOrderInput) error {
	if userID <= 0 {
		return ErrUnauthenticated
	}
	if in.PharmacyID <= 0 {
		return invalid("pharmacyId", "is required")
	}
	if len(in.Items) == 0 {
		return invalid("items", "at least one item is required")
	}

	seen := make(map[int64]struct{}, len(in.Items))
	for i, it := range in.Items {
		if it.MedicationID <= 0 {
			return invalid(fmt.Sprintf("items[%d].medicationId", i), "is required")
		}
		if it.Quantity <= 0 || it.Quantity > maxItemQuantity {
			return invalid(fmt.Sprintf("items[%d].quantity", i), "must be between 1 and %d", maxItemQuantity)
		}
		if _, dup := seen[it.MedicationID]; dup {
			return invalid(fmt.Sprintf("items[%d].medicationId", i), "medication %d is listed more than once", it.MedicationID)
		}
		seen[it.MedicationID] = struct{}{}
	}

	in.DeliveryMethod = strings.ToLower(strings.TrimSpace(in.DeliveryMethod))
	if in.DeliveryMethod == "" {
		in.DeliveryMethod = deliveryMethodPickup
	}
	switch in.DeliveryMethod {
	case deliveryMethodPickup:
	case deliveryMethodDelivery:
		if strings.TrimSpace(in.DeliveryAddress) == "" {
			return invalid("deliveryAddress", "is required for delivery")
		}
	default:
		return invalid("deliveryMethod", "must be %q or %q", deliveryMethodPickup, deliveryMethodDelivery)
	}

	if strings.TrimSpace(in.PaymentMethod) == "" {
		in.PaymentMethod = defaultPaymentMethod
	}

	return nil
}

func (s *OrderService) createOnce(ctx context.Context, userID int64, in CreateOrderInput) (*model.Order, error) {
	number, err := validation.NewOrderNumber(s.now())
	if err != nil {
		return nil, fmt.Errorf("generate order number: %w", err)
	}

	order := &model.Order{
		ID:              uuid.New(),
		UserID:          userID,
		PharmacyID:      in.PharmacyID,
		OrderNumber:     number,
		Status:          model.OrderStatusPending,
		DeliveryAddress: strings.TrimSpace(in.DeliveryAddress),
		DeliveryMethod:  in.DeliveryMethod,
		PaymentMethod:   in.PaymentMethod,
		PaymentStatus:   model.PaymentStatusPending,
		Notes:           in.Notes,
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		pharmacy, err := tx.GetPharmacy(ctx, in.PharmacyID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: pharmacy %d", ErrNotFound, in.PharmacyID)
			}
			return err
		}
		if !pharmacy.IsActive() {
			return fmt.Errorf("%w: pharmacy %d", ErrPharmacyInactive, in.PharmacyID)
		}

		// Строки остатков всегда блокируются по возрастанию medicationId.
		byMedication := make([]CreateOrderItem, len(in.Items))
		copy(byMedication, in.Items)
		sort.Slice(byMedication, func(i, j int) bool {
			return byMedication[i].MedicationID < byMedication[j].MedicationID
		})

		reserved := make(map[int64]Reservation, len(in.Items))
		for _, it := range byMedication {
			r, err := s.ledger.Reserve(ctx, tx, in.PharmacyID, it.MedicationID, it.Quantity)
			if err != nil {
				return err
			}
			reserved[it.MedicationID] = r
		}

		order.Items = order.Items[:0]
		order.TotalAmount = decimal.Zero
		order.Currency = ""
		for _, it := range in.Items {
			r := reserved[it.MedicationID]
			currency := strings.ToUpper(r.Currency)
			if currency == "" {
				currency = s.baseCurrency
			}
			if order.Currency == "" {
				order.Currency = currency
			} else if order.Currency != currency {
				return invalid("items", "medications priced in %s and %s cannot be combined in one order", order.Currency, currency)
			}

			total := r.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
			order.Items = append(order.Items, model.OrderItem{
				ID:             uuid.New(),
				OrderID:        order.ID,
				MedicationID:   it.MedicationID,
				MedicationName: r.MedicationName,
				Quantity:       it.Quantity,
				UnitPrice:      r.UnitPrice,
				TotalPrice:     total,
				Currency:       currency,
			})
			order.TotalAmount = order.TotalAmount.Add(total)
		}
		order.ItemCount = len(order.Items)
		order.Pharmacy = pharmacy

		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// Get возвращает заказ пользователя с позициями и снимком аптеки.
func (s *OrderService) Get(ctx context.Context, userID int64, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return order, nil
}

// List возвращает страницу заказов пользователя, новые первыми.
func (s *OrderService) List(ctx context.Context, userID int64, in ListOrdersInput) (*OrderPage, error) {
	if in.Status != "" {
		if _, ok := model.ParseOrderStatus(string(in.Status)); !ok {
			return nil, invalid("status", "unknown order status %q", in.Status)
		}
	}
	if in.Limit <= 0 {
		in.Limit = DefaultPageLimit
	}
	if in.Limit > MaxPageLimit {
		in.Limit = MaxPageLimit
	}
	if in.Offset < 0 {
		in.Offset = 0
	}

	orders, total, err := s.store.ListOrders(ctx, repository.OrderFilter{
		UserID: userID,
		Status: in.Status,
		Limit:  in.Limit,
		Offset: in.Offset,
	})
	if err != nil {
		return nil, err
	}

	return &OrderPage{Orders: orders, Total: total, Limit: in.Limit, Offset: in.Offset}, nil
}

// Cancel отменяет заказ пользователя и возвращает все позиции в остаток.
func (s *OrderService) Cancel(ctx context.Context, userID int64, orderID uuid.UUID) (_ *model.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.Cancel", attribute.String("order.id", orderID.String()))
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("order.cancel", start, err)
		endSpan(span, err)
	}()

	var order *model.Order
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := s.lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if err := s.cancelLocked(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCancel(ctx, order)
	return order, nil
}

// UpdateStatus выполняет переход по таблице состояний без проверки владельца.
// Переход в cancelled возвращает позиции в остаток.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID uuid.UUID, next model.OrderStatus) (_ *model.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.UpdateStatus",
		attribute.String("order.id", orderID.String()),
		attribute.String("order.next_status", string(next)),
	)
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("order.update_status", start, err)
		endSpan(span, err)
	}()

	if _, ok := model.ParseOrderStatus(string(next)); !ok {
		return nil, invalid("status", "unknown order status %q", next)
	}

	var order *model.Order
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
			}
			return err
		}
		if err := s.transitionLocked(ctx, tx, o, next); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if next == model.OrderStatusCancelled {
		s.afterCancel(ctx, order)
	}
	return order, nil
}

// Update применяет изменения пользователя: заметки и отмену заказа.
// Подтверждение выполняется сверкой платежа, шаги исполнения через UpdateStatus.
func (s *OrderService) Update(ctx context.Context, userID int64, orderID uuid.UUID, in UpdateOrderInput) (_ *model.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.Update", attribute.String("order.id", orderID.String()))
	start := time.Now()
	defer func() {
		s.metrics.ObserveOperation("order.update", start, err)
		endSpan(span, err)
	}()

	if in.Status == nil && in.Notes == nil {
		return nil, invalid("", "nothing to update: status or notes is required")
	}
	if in.Status != nil {
		if _, ok := model.ParseOrderStatus(string(*in.Status)); !ok {
			return nil, invalid("status", "unknown order status %q", *in.Status)
		}
		if *in.Status == model.OrderStatusConfirmed {
			return nil, fmt.Errorf("%w: orders are confirmed by payment", model.ErrInvalidStateTransition)
		}
	}

	var (
		order     *model.Order
		cancelled bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		o, err := s.lockOwned(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			return fmt.Errorf("%w: order is %s", model.ErrInvalidStateTransition, o.Status)
		}

		if in.Notes != nil {
			o.Notes = *in.Notes
		}

		if in.Status != nil && *in.Status != o.Status && *in.Status != model.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s -> %s is not allowed for customers",
				model.ErrInvalidStateTransition, o.Status, *in.Status)
		}

		if in.Status != nil && *in.Status != o.Status {
			cancelled = *in.Status == model.OrderStatusCancelled
			if err := s.transitionLocked(ctx, tx, o, *in.Status); err != nil {
				return err
			}
		} else if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cancelled {
		s.afterCancel(ctx, order)
	}
	return order, nil
}

func (s *OrderService) lockOwned(ctx context.Context, tx repository.Tx, userID int64, orderID uuid.UUID) (*model.Order, error) {
	o, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return o, nil
}

// transitionLocked проверяет и сохраняет переход для заказа, заблокированного в tx.
func (s *OrderService) transitionLocked(ctx context.Context, tx repository.Tx, o *model.Order, next model.OrderStatus) error {
	if next == model.OrderStatusCancelled {
		return s.cancelLocked(ctx, tx, o)
	}
	if err := model.ValidateOrderTransition(o.Status, next); err != nil {
		return err
	}
	o.Status = next
	return tx.UpdateOrder(ctx, o)
}

// cancelLocked проверяет статус, перечитанный под блокировкой, и возвращает позиции в остаток.
func (s *OrderService) cancelLocked(ctx context.Context, tx repository.Tx, o *model.Order) error {
	if err := model.ValidateOrderTransition(o.Status, model.OrderStatusCancelled); err != nil {
		return err
	}

	// Тот же порядок блокировок, что и при создании заказа.
	items := make([]model.OrderItem, len(o.Items))
	copy(items, o.Items)
	sort.Slice(items, func(i, j int) bool {
		return items[i].MedicationID < items[j].MedicationID
	})

	for _, it := range items {
		if err := s.ledger.Release(ctx, tx, o.PharmacyID, it.MedicationID, it.Quantity); err != nil {
			return err
		}
	}

	o.Status = model.OrderStatusCancelled
	return tx.UpdateOrder(ctx, o)
}

func (s *OrderService) afterCancel(ctx context.Context, o *model.Order) {
	s.logger.Info("order cancelled",
		zap.String("order_id", o.ID.String()),
		zap.String("order_number", o.OrderNumber),
		zap.Int("released_items", len(o.Items)),
	)
	if o.PaymentStatus == model.PaymentStatusCompleted {
		s.logger.Error("paid order cancelled, refund required",
			zap.String("order_id", o.ID.String()),
			zap.String("amount_paid", o.AmountPaid.Decimal.StringFixed(2)),
		)
	}
	s.notifier.publish(ctx, events.OrderCancelled, orderEvent(o))
}

func orderEvent(o *model.Order) events.OrderEvent {
	return events.OrderEvent{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		PharmacyID:  o.PharmacyID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount,
		Currency:    o.Currency,
	}
}
