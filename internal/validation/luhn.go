// Package validation содержит функции генерации и проверки номеров заказов.
package validation

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// OrderNumberPrefix предшествует цифровой части номера заказа.
const OrderNumberPrefix = "ORD-"

// IsValidLuhn проверяет строку цифр по алгоритму Луна.
func IsValidLuhn(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		ch := rune(number[i])
		if !unicode.IsDigit(ch) {
			return false
		}
		digit := int(ch - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return sum%10 == 0
}

// IsValidOrderNumber проверяет префикс и контрольную цифру номера заказа.
func IsValidOrderNumber(number string) bool {
	digits, ok := strings.CutPrefix(number, OrderNumberPrefix)
	if !ok || len(digits) < 2 {
		return false
	}
	return IsValidLuhn(digits)
}

// NewOrderNumber формирует номер заказа: метка времени в миллисекундах,
// четыре случайные цифры и контрольная цифра Луна.
func NewOrderNumber(now time.Time) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}

	payload := strconv.FormatInt(now.UnixMilli(), 10) + leftPad(n.String(), 4)
	return OrderNumberPrefix + payload + strconv.Itoa(luhnCheckDigit(payload)), nil
}

func luhnCheckDigit(payload string) int {
	sum := 0
	double := true

	for i := len(payload) - 1; i >= 0; i-- {
		digit := int(payload[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}

	return (10 - sum%10) % 10
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
