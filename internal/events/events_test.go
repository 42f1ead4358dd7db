package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WAT", 3600))
	orderID := uuid.New()

	env := NewEnvelope(OrderCreated, OrderEvent{
		OrderID:     orderID,
		OrderNumber: "ORD-1",
		Status:      "pending",
		TotalAmount: decimal.NewFromInt(3000),
		Currency:    "XAF",
	}, now)

	assert.Equal(t, OrderCreated, env.Type)
	assert.Equal(t, time.UTC, env.OccurredAt.Location())
	_, err := uuid.Parse(env.ID)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			OrderID     string `json:"orderId"`
			TotalAmount string `json:"totalAmount"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "order.created", decoded.Type)
	assert.Equal(t, orderID.String(), decoded.Data.OrderID)
	assert.Equal(t, "3000", decoded.Data.TotalAmount)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), PaymentFailed, PaymentEvent{}))
	assert.NoError(t, p.Close())
}
