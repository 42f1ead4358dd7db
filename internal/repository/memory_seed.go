package repository

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/model"
)

type devStock struct {
	name         string
	prescription bool
	quantity     int
	price        int64
}

var devCatalog = []devStock{
	{name: "Paracetamol 500mg", quantity: 200, price: 500},
	{name: "Ibuprofen 400mg", quantity: 120, price: 800},
	{name: "Amoxicillin 500mg", prescription: true, quantity: 40, price: 2500},
	{name: "Oral rehydration salts", quantity: 300, price: 300},
}

// SeedDevCatalog заполняет пустое хранилище одной аптекой и небольшим набором лекарств
// в указанной валюте. Возвращает идентификатор аптеки.
func (m *MemoryRepository) SeedDevCatalog(currency string) (int64, error) {
	currency = strings.ToUpper(currency)

	pharmacyID := m.SeedPharmacy(model.Pharmacy{
		Name:    "PharmaLink Dev Pharmacy",
		Address: "1 Rue de la Joie, Douala",
		Phone:   "+237600000000",
		Email:   "dev@pharmalink.local",
	})

	for _, s := range devCatalog {
		medID := m.SeedMedication(model.Medication{Name: s.name, RequiresPrescription: s.prescription})
		if err := m.SeedInventory(model.InventoryRecord{
			PharmacyID:        pharmacyID,
			MedicationID:      medID,
			QuantityAvailable: s.quantity,
			UnitPrice:         decimal.NewFromInt(s.price),
			Currency:          currency,
		}); err != nil {
			return 0, err
		}
	}

	return pharmacyID, nil
}
