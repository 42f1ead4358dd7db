package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// ValidHMACSHA512 сравнивает hex-подпись с HMAC-SHA512 от body за постоянное время.
// Пустой секрет или подпись всегда дают false.
func ValidHMACSHA512(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignHMACSHA512 возвращает hex-подпись тела, как её формирует процессор.
func SignHMACSHA512(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
