package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmalink/internal/model"
)

// ErrNegativeStock возвращается in-memory хранилищем вместо нарушения CHECK (quantity_available >= 0).
var ErrNegativeStock = errors.New("inventory quantity cannot be negative")

type inventoryKey struct {
	pharmacyID   int64
	medicationID int64
}

type memoryState struct {
	pharmacies  map[int64]model.Pharmacy
	medications map[int64]model.Medication
	inventory   map[inventoryKey]model.InventoryRecord
	orders      map[uuid.UUID]model.Order
	payments    map[uuid.UUID]model.Payment
}

func newMemoryState() *memoryState {
	return &memoryState{
		pharmacies:  make(map[int64]model.Pharmacy),
		medications: make(map[int64]model.Medication),
		inventory:   make(map[inventoryKey]model.InventoryRecord),
		orders:      make(map[uuid.UUID]model.Order),
		payments:    make(map[uuid.UUID]model.Payment),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.pharmacies {
		c.pharmacies[k] = v
	}
	for k, v := range s.medications {
		c.medications[k] = v
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func copyOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	if o.Pharmacy != nil {
		ph := *o.Pharmacy
		o.Pharmacy = &ph
	}
	return o
}

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются
// по одной над копией состояния и публикуются целиком при успешном завершении.
type MemoryRepository struct {
	mu     sync.Mutex
	state  *memoryState
	nextID int64
	now    func() time.Time
}

var _ Store = (*MemoryRepository)(nil)

// NewMemoryRepository создаёт пустое in-memory хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state:  newMemoryState(),
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SeedPharmacy добавляет аптеку и возвращает её идентификатор.
func (m *MemoryRepository) SeedPharmacy(p model.Pharmacy) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		p.ID = m.nextID
		m.nextID++
	}
	if p.Status == "" {
		p.Status = model.PharmacyStatusActive
	}
	m.state.pharmacies[p.ID] = p
	return p.ID
}

// SeedMedication добавляет лекарство в справочник и возвращает его идентификатор.
func (m *MemoryRepository) SeedMedication(med model.Medication) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if med.ID == 0 {
		med.ID = m.nextID
		m.nextID++
	}
	m.state.medications[med.ID] = med
	return med.ID
}

// SeedInventory устанавливает остаток лекарства в аптеке.
func (m *MemoryRepository) SeedInventory(rec model.InventoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.pharmacies[rec.PharmacyID]; !ok {
		return fmt.Errorf("pharmacy %d: %w", rec.PharmacyID, ErrNotFound)
	}
	med, ok := m.state.medications[rec.MedicationID]
	if !ok {
		return fmt.Errorf("medication %d: %w", rec.MedicationID, ErrNotFound)
	}
	if rec.QuantityAvailable < 0 {
		return ErrNegativeStock
	}
	rec.MedicationName = med.Name
	rec.LastUpdated = m.now()
	m.state.inventory[inventoryKey{rec.PharmacyID, rec.MedicationID}] = rec
	return nil
}

// Inventory возвращает текущий остаток вне транзакции.
func (m *MemoryRepository) Inventory(pharmacyID, medicationID int64) (model.InventoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.state.inventory[inventoryKey{pharmacyID, medicationID}]
	return rec, ok
}

// Close ничего не делает, ресурсов не удерживается.
func (m *MemoryRepository) Close() error {
	return nil
}

// WithTx выполняет fn над копией состояния. Ошибка fn отбрасывает копию.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(ctx, &memTx{state: work, now: m.now}); err != nil {
		return err
	}

	m.state = work
	return nil
}

// GetOrder возвращает заказ с позициями и снимком аптеки.
func (m *MemoryRepository) GetOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.state.withDetails(o)
	return &cp, nil
}

// ListOrders возвращает страницу заказов пользователя, новые первыми.
func (m *MemoryRepository) ListOrders(_ context.Context, f OrderFilter) ([]model.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []model.Order
	for _, o := range m.state.orders {
		if o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, o)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].OrderNumber > matched[j].OrderNumber
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}

	page := make([]model.Order, 0, end-f.Offset)
	for _, o := range matched[f.Offset:end] {
		page = append(page, m.state.withDetails(o))
	}
	return page, total, nil
}

// GetPaymentByReference возвращает платёж по идентификатору транзакции процессора.
func (m *MemoryRepository) GetPaymentByReference(_ context.Context, reference string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.paymentByReference(reference)
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListStalePayments возвращает незавершённые платежи, созданные раньше createdBefore.
func (m *MemoryRepository) ListStalePayments(_ context.Context, createdBefore time.Time, limit int) ([]model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Payment
	for _, p := range m.state.payments {
		if p.Status != model.PaymentStatusPending && p.Status != model.PaymentStatusProcessing {
			continue
		}
		if !p.CreatedAt.Before(createdBefore) {
			continue
		}
		res = append(res, p)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *memoryState) withDetails(o model.Order) model.Order {
	o = copyOrder(o)
	if ph, ok := s.pharmacies[o.PharmacyID]; ok {
		o.Pharmacy = &ph
	}
	for i := range o.Items {
		o.Items[i].MedicationName = s.medications[o.Items[i].MedicationID].Name
	}
	o.ItemCount = len(o.Items)
	return o
}

func (s *memoryState) paymentByReference(reference string) (model.Payment, bool) {
	for _, p := range s.payments {
		if p.Reference == reference {
			return p, true
		}
	}
	return model.Payment{}, false
}

type memTx struct {
	state *memoryState
	now   func() time.Time
}

var _ Tx = (*memTx)(nil)

func (t *memTx) GetPharmacy(_ context.Context, id int64) (*model.Pharmacy, error) {
	p, ok := t.state.pharmacies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) LockInventory(_ context.Context, pharmacyID, medicationID int64) (*model.InventoryRecord, error) {
	rec, ok := t.state.inventory[inventoryKey{pharmacyID, medicationID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) AdjustInventory(_ context.Context, pharmacyID, medicationID int64, delta int) (int, error) {
	key := inventoryKey{pharmacyID, medicationID}
	rec, ok := t.state.inventory[key]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.QuantityAvailable+delta < 0 {
		return 0, ErrNegativeStock
	}
	rec.QuantityAvailable += delta
	rec.LastUpdated = t.now()
	t.state.inventory[key] = rec
	return rec.QuantityAvailable, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	for _, existing := range t.state.orders {
		if existing.OrderNumber == o.OrderNumber {
			return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, o.OrderNumber)
		}
	}
	o.CreatedAt = t.now()
	o.UpdatedAt = o.CreatedAt
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	t.state.orders[o.ID] = copyOrder(*o)
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := t.state.withDetails(o)
	cp.Pharmacy = nil
	return &cp, nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	cur, ok := t.state.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = o.Status
	cur.Notes = o.Notes
	cur.PaymentStatus = o.PaymentStatus
	cur.AmountPaid = o.AmountPaid
	cur.UpdatedAt = t.now()
	o.UpdatedAt = cur.UpdatedAt
	t.state.orders[o.ID] = cur
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, p *model.Payment) error {
	if _, ok := t.state.paymentByReference(p.Reference); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, p.Reference)
	}
	if p.Status == model.PaymentStatusCompleted && t.hasCompleted(p.OrderID, p.ID) {
		return fmt.Errorf("%w: %s", ErrPaymentAlreadyCompleted, p.Reference)
	}
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	if len(p.ProcessorResponse) == 0 {
		p.ProcessorResponse = []byte("{}")
	}
	t.state.payments[p.ID] = *p
	return nil
}

func (t *memTx) LockPaymentByReference(_ context.Context, reference string) (*model.Payment, error) {
	p, ok := t.state.paymentByReference(reference)
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *model.Payment) error {
	cur, ok := t.state.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == model.PaymentStatusCompleted && t.hasCompleted(cur.OrderID, cur.ID) {
		return fmt.Errorf("%w: %s", ErrPaymentAlreadyCompleted, cur.Reference)
	}
	cur.Status = p.Status
	cur.ProcessorResponse = p.ProcessorResponse
	if len(cur.ProcessorResponse) == 0 {
		cur.ProcessorResponse = []byte("{}")
	}
	cur.FailureReason = p.FailureReason
	cur.ProcessedAt = p.ProcessedAt
	cur.UpdatedAt = t.now()
	p.UpdatedAt = cur.UpdatedAt
	t.state.payments[p.ID] = cur
	return nil
}

func (t *memTx) HasCompletedPayment(_ context.Context, orderID uuid.UUID) (bool, error) {
	return t.hasCompleted(orderID, uuid.Nil), nil
}

func (t *memTx) hasCompleted(orderID, except uuid.UUID) bool {
	for id, p := range t.state.payments {
		if id != except && p.OrderID == orderID && p.Status == model.PaymentStatusCompleted {
			return true
		}
	}
	return false
}
