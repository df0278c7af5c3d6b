package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreledger/payments/internal/shared/domain/clock"
)

func TestNewEnvelope(t *testing.T) {
	fixedTime := time.Date(2026, 8, 14, 12, 0, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: fixedTime})
	t.Cleanup(clock.Reset)

	payload := map[string]any{"amount_cents": 1250, "currency": "USD"}
	metadata := Metadata{TraceID: "trace-123", Source: "test", SchemaVersion: 1}

	envelope, err := NewEnvelope(TypePaymentAuthorized, "authorization", "MERCHANT-456", payload, metadata)
	require.NoError(t, err)

	assert.False(t, envelope.EventID.IsNil(), "EventID should not be nil")
	assert.Equal(t, TypePaymentAuthorized, envelope.EventType)
	assert.Equal(t, "authorization", envelope.AggregateType)
	assert.Equal(t, "MERCHANT-456", envelope.AggregateID)
	assert.Equal(t, fixedTime, envelope.OccurredAt)
	assert.Equal(t, "trace-123", envelope.Metadata.TraceID)
}

func TestNewEnvelope_PayloadMarshaling(t *testing.T) {
	payload := map[string]any{
		"nested": map[string]any{"key": "value"},
		"array":  []int{1, 2, 3},
	}

	envelope, err := NewEnvelope(TypePaymentSettled, "settlement", "MERCHANT-1", payload, Metadata{})
	require.NoError(t, err)

	var parsed map[string]any
	assert.NoError(t, json.Unmarshal(envelope.Payload, &parsed))
}

func TestEnvelope_ParsePayload(t *testing.T) {
	type Authorization struct {
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	}

	original := Authorization{AmountCents: 1250, Currency: "USD"}
	envelope, err := NewEnvelope(TypePaymentAuthorized, "authorization", "MERCHANT-456", original, Metadata{})
	require.NoError(t, err)

	var parsed Authorization
	require.NoError(t, envelope.ParsePayload(&parsed))
	assert.Equal(t, original, parsed)
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	envelope, err := NewEnvelope(TypePaymentRefunded, "refund", "MERCHANT-7", map[string]any{"reason": "chargeback"}, Metadata{SchemaVersion: 1})
	require.NoError(t, err)

	data, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, envelope.EventID, decoded.EventID)
	assert.Equal(t, envelope.EventType, decoded.EventType)
	assert.Equal(t, envelope.AggregateID, decoded.AggregateID)
}
