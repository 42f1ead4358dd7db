package service

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если сущность отсутствует или не принадлежит пользователю.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock возвращается, если остатка не хватает для резервирования.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPharmacyInactive возвращается при заказе в неактивной аптеке.
	ErrPharmacyInactive = errors.New("pharmacy is not active")
	// ErrSignatureMismatch возвращается, если подпись вебхука не прошла проверку.
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
	// ErrUnauthenticated возвращается, если учётные данные отсутствуют или недействительны.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAlreadyPaid возвращается, если у заказа уже есть завершённый платёж.
	ErrAlreadyPaid = errors.New("order already paid")
)

// ValidationError указывает поле, не прошедшее проверку.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap позволяет сравнивать ошибку с ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StockError описывает позицию, для которой не хватило остатка.
type StockError struct {
	MedicationID int64
	Name         string
	Requested    int
	Available    int
}

func (e *StockError) Error() string {
	name := e.Name
	if name == "" {
		name = fmt.Sprintf("medication %d", e.MedicationID)
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, e.Available, e.Requested)
}

// Unwrap позволяет сравнивать ошибку с ErrInsufficientStock.
func (e *StockError) Unwrap() error { return ErrInsufficientStock }
