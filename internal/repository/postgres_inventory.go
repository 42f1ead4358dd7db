package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/pharmalink/internal/model"
)

// GetPharmacy возвращает аптеку, удерживая разделяемую блокировку до конца транзакции.
func (t *pgTx) GetPharmacy(ctx context.Context, id int64) (*model.Pharmacy, error) {
	var p model.Pharmacy
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, address, phone, email, latitude, longitude, status
		 FROM pharmacies
		 WHERE id = $1
		 FOR SHARE`,
		id,
	).Scan(&p.ID, &p.Name, &p.Address, &p.Phone, &p.Email, &p.Latitude, &p.Longitude, &p.Status)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select pharmacy: %w", err)
	}
	return &p, nil
}

// LockInventory блокирует строку остатка (pharmacy_id, medication_id) до конца транзакции.
func (t *pgTx) LockInventory(ctx context.Context, pharmacyID, medicationID int64) (*model.InventoryRecord, error) {
	var rec model.InventoryRecord
	err := t.tx.QueryRow(ctx,
		`SELECT pi.pharmacy_id, pi.medication_id, m.name, pi.quantity_available,
		        pi.unit_price, pi.currency, pi.last_updated
		 FROM pharmacy_inventory pi
		 JOIN medications m ON m.id = pi.medication_id
		 WHERE pi.pharmacy_id = $1 AND pi.medication_id = $2
		 FOR UPDATE OF pi`,
		pharmacyID, medicationID,
	).Scan(&rec.PharmacyID, &rec.MedicationID, &rec.MedicationName, &rec.QuantityAvailable,
		&rec.UnitPrice, &rec.Currency, &rec.LastUpdated)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock inventory: %w", err)
	}
	return &rec, nil
}

// AdjustInventory изменяет остаток на delta и возвращает новое значение.
// Отрицательный остаток отклоняется ограничением CHECK в схеме.
func (t *pgTx) AdjustInventory(ctx context.Context, pharmacyID, medicationID int64, delta int) (int, error) {
	var qty int
	err := t.tx.QueryRow(ctx,
		`UPDATE pharmacy_inventory
		 SET quantity_available = quantity_available + $3,
		     last_updated = now()
		 WHERE pharmacy_id = $1 AND medication_id = $2
		 RETURNING quantity_available`,
		pharmacyID, medicationID, delta,
	).Scan(&qty)
	if err != nil {
		if notFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("adjust inventory: %w", err)
	}
	return qty, nil
}
