// Package model содержит доменные сущности сервиса заказов PharmaLink.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PharmacyStatusActive обозначает аптеку, принимающую заказы.
const PharmacyStatusActive = "active"

// Pharmacy описывает аптеку, в которой размещается заказ.
type Pharmacy struct {
	ID        int64
	Name      string
	Address   string
	Phone     string
	Email     string
	Latitude  *float64
	Longitude *float64
	Status    string
}

// IsActive сообщает, принимает ли аптека новые заказы.
func (p *Pharmacy) IsActive() bool {
	return p != nil && p.Status == PharmacyStatusActive
}

// Medication описывает лекарство из внешнего справочника.
type Medication struct {
	ID                   int64
	Name                 string
	RequiresPrescription bool
}

// InventoryRecord хранит остаток лекарства в конкретной аптеке.
type InventoryRecord struct {
	PharmacyID        int64
	MedicationID      int64
	MedicationName    string
	QuantityAvailable int
	UnitPrice         decimal.Decimal
	Currency          string
	LastUpdated       time.Time
}

// Order описывает заказ пользователя вместе с позициями.
type Order struct {
	ID              uuid.UUID
	UserID          int64
	PharmacyID      int64
	OrderNumber     string
	Status          OrderStatus
	TotalAmount     decimal.Decimal
	AmountPaid      decimal.NullDecimal
	Currency        string
	DeliveryAddress string
	DeliveryMethod  string
	PaymentMethod   string
	PaymentStatus   PaymentStatus
	Notes           string
	ItemCount       int
	Items           []OrderItem
	Pharmacy        *Pharmacy
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderItem фиксирует цену позиции на момент оформления заказа.
type OrderItem struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	MedicationID   int64
	MedicationName string
	Quantity       int
	UnitPrice      decimal.Decimal
	TotalPrice     decimal.Decimal
	Currency       string
}

// Payment описывает попытку оплаты заказа через внешний процессор.
type Payment struct {
	ID                uuid.UUID
	OrderID           uuid.UUID
	Processor         string
	Reference         string
	Status            PaymentStatus
	Amount            decimal.Decimal
	Currency          string
	ProcessorResponse json.RawMessage
	FailureReason     string
	ProcessedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
