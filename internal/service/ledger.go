package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/repository"
)

// Reservation фиксирует списанное количество и цену на момент списания.
type Reservation struct {
	PharmacyID     int64
	MedicationID   int64
	MedicationName string
	Quantity       int
	UnitPrice      decimal.Decimal
	Currency       string
	Remaining      int
}

// Ledger изменяет остатки аптек. Все операции выполняются внутри транзакции вызывающего.
type Ledger struct{}

// NewLedger создаёт журнал остатков.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve блокирует строку остатка, проверяет доступное количество и уменьшает его на qty.
func (l *Ledger) Reserve(ctx context.Context, tx repository.Tx, pharmacyID, medicationID int64, qty int) (Reservation, error) {
	if qty <= 0 {
		return Reservation{}, invalid("quantity", "must be positive, got %d", qty)
	}

	rec, err := tx.LockInventory(ctx, pharmacyID, medicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Reservation{}, fmt.Errorf("%w: medication %d is not available at pharmacy %d", ErrNotFound, medicationID, pharmacyID)
		}
		return Reservation{}, err
	}

	if rec.QuantityAvailable < qty {
		return Reservation{}, &StockError{
			MedicationID: medicationID,
			Name:         rec.MedicationName,
			Requested:    qty,
			Available:    rec.QuantityAvailable,
		}
	}

	remaining, err := tx.AdjustInventory(ctx, pharmacyID, medicationID, -qty)
	if err != nil {
		return Reservation{}, err
	}

	return Reservation{
		PharmacyID:     pharmacyID,
		MedicationID:   medicationID,
		MedicationName: rec.MedicationName,
		Quantity:       qty,
		UnitPrice:      rec.UnitPrice,
		Currency:       rec.Currency,
		Remaining:      remaining,
	}, nil
}

// Release возвращает qty единиц в остаток. Вызывается ровно один раз на позицию заказа.
func (l *Ledger) Release(ctx context.Context, tx repository.Tx, pharmacyID, medicationID int64, qty int) error {
	if qty <= 0 {
		return invalid("quantity", "must be positive, got %d", qty)
	}

	if _, err := tx.AdjustInventory(ctx, pharmacyID, medicationID, qty); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: inventory record %d/%d", ErrNotFound, pharmacyID, medicationID)
		}
		return err
	}

	return nil
}
