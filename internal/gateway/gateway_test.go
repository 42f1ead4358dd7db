package gateway

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry("NotchPay")
	reg.Register(NewNotchPay(NotchPayConfig{}, nil))
	reg.Register(NewPaystack(PaystackConfig{}, nil))

	g, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, NotchPayName, g.Name())

	g, err = reg.Get("PAYSTACK")
	require.NoError(t, err)
	assert.Equal(t, PaystackName, g.Name())

	_, err = reg.Get("flutterwave")
	assert.ErrorIs(t, err, ErrUnknownProcessor)

	assert.Equal(t, "notchpay", reg.Default())
}

func TestNewReference(t *testing.T) {
	now := time.UnixMilli(1760000000123)
	ref := NewReference(now)

	assert.Regexp(t, regexp.MustCompile(`^PHARMA_1760000000123_[0-9A-F]{8}$`), ref)
	assert.NotEqual(t, ref, NewReference(now))
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		minor    int64
	}{
		{"xaf has no decimals", "3000", "XAF", 3000},
		{"xaf rounds", "2999.6", "xaf", 3000},
		{"xof has no decimals", "1500", "XOF", 1500},
		{"ngn uses kobo", "2500.50", "NGN", 250050},
		{"usd uses cents", "19.99", "USD", 1999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			assert.Equal(t, tt.minor, ToMinorUnits(amount, tt.currency))
		})
	}

	assert.True(t, FromMinorUnits(decimal.NewFromInt(3000), "XAF").Equal(decimal.NewFromInt(3000)))
	assert.True(t, FromMinorUnits(decimal.NewFromInt(250050), "NGN").Equal(decimal.RequireFromString("2500.50")))

	withCurrency := Result{Amount: decimal.RequireFromString("2500.50"), MinorAmount: decimal.NewFromInt(250050), Currency: "NGN"}
	assert.True(t, withCurrency.AmountFor("XAF").Equal(decimal.RequireFromString("2500.50")))

	major := Result{Amount: decimal.NewFromInt(10)}
	assert.True(t, major.AmountFor("NGN").Equal(decimal.NewFromInt(10)))
}

func TestValidHMACSHA512(t *testing.T) {
	body := []byte(`{"event":"payment.complete","data":{"reference":"PHARMA_1_ABC"}}`)
	sig := SignHMACSHA512(body, "whsec")

	assert.True(t, ValidHMACSHA512(body, sig, "whsec"))
	assert.False(t, ValidHMACSHA512(body, sig, "other"))
	assert.False(t, ValidHMACSHA512(append(body, ' '), sig, "whsec"))
	assert.False(t, ValidHMACSHA512(body, "not-hex", "whsec"))
	assert.False(t, ValidHMACSHA512(body, "", "whsec"))
	assert.False(t, ValidHMACSHA512(body, sig, ""))
}
