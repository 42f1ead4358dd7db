package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pharmalink/internal/model"
)

func seedMemory(t *testing.T, qty int) (*MemoryRepository, int64, int64) {
	t.Helper()

	repo := NewMemoryRepository()
	pharmacyID := repo.SeedPharmacy(model.Pharmacy{Name: "Pharmacie du Centre"})
	medID := repo.SeedMedication(model.Medication{Name: "Paracetamol 500mg"})
	require.NoError(t, repo.SeedInventory(model.InventoryRecord{
		PharmacyID:        pharmacyID,
		MedicationID:      medID,
		QuantityAvailable: qty,
		UnitPrice:         decimal.NewFromInt(1000),
		Currency:          "XAF",
	}))
	return repo, pharmacyID, medID
}

func TestMemoryRepository_WithTxRollsBackOnError(t *testing.T) {
	repo, pharmacyID, medID := seedMemory(t, 5)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		qty, err := tx.AdjustInventory(ctx, pharmacyID, medID, -3)
		require.NoError(t, err)
		assert.Equal(t, 2, qty)
		return boom
	})
	require.ErrorIs(t, err, boom)

	rec, ok := repo.Inventory(pharmacyID, medID)
	require.True(t, ok)
	assert.Equal(t, 5, rec.QuantityAvailable)
}

func TestMemoryRepository_AdjustInventoryNeverNegative(t *testing.T) {
	repo, pharmacyID, medID := seedMemory(t, 1)

	err := repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustInventory(ctx, pharmacyID, medID, -2)
		return err
	})
	require.ErrorIs(t, err, ErrNegativeStock)

	rec, _ := repo.Inventory(pharmacyID, medID)
	assert.Equal(t, 1, rec.QuantityAvailable)
}

func TestMemoryRepository_OrdersAndPayments(t *testing.T) {
	repo, pharmacyID, medID := seedMemory(t, 5)
	ctx := context.Background()

	order := &model.Order{
		ID:            uuid.New(),
		UserID:        7,
		PharmacyID:    pharmacyID,
		OrderNumber:   "ORD-1",
		Status:        model.OrderStatusPending,
		TotalAmount:   decimal.NewFromInt(2000),
		Currency:      "XAF",
		PaymentStatus: model.PaymentStatusPending,
		Items: []model.OrderItem{{
			ID:           uuid.New(),
			MedicationID: medID,
			Quantity:     2,
			UnitPrice:    decimal.NewFromInt(1000),
			TotalPrice:   decimal.NewFromInt(2000),
			Currency:     "XAF",
		}},
	}
	first := &model.Payment{ID: uuid.New(), OrderID: order.ID, Processor: "notchpay", Reference: "REF-1", Status: model.PaymentStatusPending}
	second := &model.Payment{ID: uuid.New(), OrderID: order.ID, Processor: "notchpay", Reference: "REF-2", Status: model.PaymentStatusPending}

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, first); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, second)
	}))

	err := repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		dup := *order
		dup.ID = uuid.New()
		return tx.InsertOrder(ctx, &dup)
	})
	require.ErrorIs(t, err, ErrDuplicateOrderNumber)

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, &model.Payment{ID: uuid.New(), OrderID: order.ID, Reference: "REF-1"})
	})
	require.ErrorIs(t, err, ErrDuplicateReference)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByReference(ctx, "REF-1")
		if err != nil {
			return err
		}
		p.Status = model.PaymentStatusCompleted
		return tx.UpdatePayment(ctx, p)
	}))

	err = repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockPaymentByReference(ctx, "REF-2")
		if err != nil {
			return err
		}
		p.Status = model.PaymentStatusCompleted
		return tx.UpdatePayment(ctx, p)
	})
	require.ErrorIs(t, err, ErrPaymentAlreadyCompleted)

	got, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Paracetamol 500mg", got.Items[0].MedicationName)
	assert.Equal(t, "Pharmacie du Centre", got.Pharmacy.Name)

	p, err := repo.GetPaymentByReference(ctx, "REF-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, p.Status)
	assert.JSONEq(t, `{}`, string(p.ProcessorResponse))

	_, err = repo.GetOrder(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ListOrdersPaginates(t *testing.T) {
	repo, pharmacyID, _ := seedMemory(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		repo.now = func() time.Time { return created }
		status := model.OrderStatusPending
		if i%2 == 1 {
			status = model.OrderStatusCancelled
		}
		require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.InsertOrder(ctx, &model.Order{
				ID:          uuid.New(),
				UserID:      1,
				PharmacyID:  pharmacyID,
				OrderNumber: "ORD-" + string(rune('A'+i)),
				Status:      status,
			})
		}))
	}
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertOrder(ctx, &model.Order{ID: uuid.New(), UserID: 2, PharmacyID: pharmacyID, OrderNumber: "ORD-Z"})
	}))

	page, total, err := repo.ListOrders(ctx, OrderFilter{UserID: 1, Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "ORD-E", page[0].OrderNumber)
	assert.Equal(t, "ORD-D", page[1].OrderNumber)

	page, total, err = repo.ListOrders(ctx, OrderFilter{UserID: 1, Status: model.OrderStatusCancelled, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, page, 2)

	page, total, err = repo.ListOrders(ctx, OrderFilter{UserID: 1, Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestMemoryRepository_ListStalePayments(t *testing.T) {
	repo, pharmacyID, _ := seedMemory(t, 5)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return old }

	orderID := uuid.New()
	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertOrder(ctx, &model.Order{ID: orderID, UserID: 1, PharmacyID: pharmacyID, OrderNumber: "ORD-1"}); err != nil {
			return err
		}
		for _, p := range []model.Payment{
			{ID: uuid.New(), OrderID: orderID, Reference: "pending", Status: model.PaymentStatusPending},
			{ID: uuid.New(), OrderID: orderID, Reference: "processing", Status: model.PaymentStatusProcessing},
			{ID: uuid.New(), OrderID: orderID, Reference: "failed", Status: model.PaymentStatusFailed},
		} {
			if err := tx.InsertPayment(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	}))

	stale, err := repo.ListStalePayments(ctx, old.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	stale, err = repo.ListStalePayments(ctx, old, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryRepository_SeedDevCatalog(t *testing.T) {
	repo := NewMemoryRepository()

	pharmacyID, err := repo.SeedDevCatalog("xaf")
	require.NoError(t, err)

	var p *model.Pharmacy
	var rec *model.InventoryRecord
	err = repo.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		if p, err = tx.GetPharmacy(ctx, pharmacyID); err != nil {
			return err
		}
		rec, err = tx.LockInventory(ctx, pharmacyID, pharmacyID+1)
		return err
	})
	require.NoError(t, err)
	assert.True(t, p.IsActive())
	assert.Equal(t, "Paracetamol 500mg", rec.MedicationName)
	assert.Equal(t, "XAF", rec.Currency)
	assert.Positive(t, rec.QuantityAvailable)

	for i := range devCatalog {
		_, ok := repo.Inventory(pharmacyID, pharmacyID+1+int64(i))
		assert.True(t, ok)
	}
}
