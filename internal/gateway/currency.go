package gateway

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Валюты без дробной части: процессоры принимают сумму как есть.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

var hundred = decimal.NewFromInt(100)

// IsZeroDecimal сообщает, что у валюты нет дробных единиц.
func IsZeroDecimal(currency string) bool {
	_, ok := zeroDecimalCurrencies[strings.ToUpper(currency)]
	return ok
}

// ToMinorUnits переводит сумму в наименьшие единицы валюты с округлением до целого.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if IsZeroDecimal(currency) {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits переводит сумму из наименьших единиц в основные.
func FromMinorUnits(minor decimal.Decimal, currency string) decimal.Decimal {
	if IsZeroDecimal(currency) {
		return minor
	}
	return minor.Div(hundred)
}

// setAmount заполняет суммы результата. Без валюты в ответе перевод в основные
// единицы откладывается до AmountFor.
func (r *Result) setAmount(minor decimal.Decimal, currency string) {
	r.MinorAmount = minor
	r.Currency = strings.ToUpper(strings.TrimSpace(currency))
	if r.Currency != "" {
		r.Amount = FromMinorUnits(minor, r.Currency)
	}
}

// AmountFor возвращает сумму в основных единицах. Если процессор не указал валюту,
// сумма пересчитывается по валюте платежа.
func (r Result) AmountFor(currency string) decimal.Decimal {
	if r.Currency != "" || r.MinorAmount.IsZero() || currency == "" {
		return r.Amount
	}
	return FromMinorUnits(r.MinorAmount, currency)
}
