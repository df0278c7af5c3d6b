package events

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/coreledger/payments/internal/shared/domain/clock"
)

// Envelope is the common structure for all domain events in the system.
// This same structure is used in the outbox table and in broker messages,
// so an event written by one process deserializes identically in another.
type Envelope struct {
	// EventID is the unique identifier for this event
	EventID uuid.UUID `json:"event_id"`

	// EventType is the closed event-kind discriminator
	EventType Type `json:"event_type"`

	// AggregateType names the kind of aggregate that produced the event
	AggregateType string `json:"aggregate_type"`

	// AggregateID groups related events and is used as the broker
	// partition key, so events for one aggregate stay ordered
	AggregateID string `json:"aggregate_id"`

	// OccurredAt is when the event was produced
	OccurredAt time.Time `json:"occurred_at"`

	// Payload contains the event-specific data
	Payload json.RawMessage `json:"payload"`

	// Metadata contains trace IDs, source info, schema version, etc.
	Metadata Metadata `json:"metadata"`
}

// Metadata contains contextual information about the event.
type Metadata struct {
	// TraceID for distributed tracing (optional)
	TraceID string `json:"trace_id,omitempty"`

	// Source identifies where the event originated
	Source string `json:"source,omitempty"`

	// SchemaVersion for payload evolution
	SchemaVersion int `json:"schema_version"`
}

// NewEnvelope creates a new event envelope with a generated ID and the
// current clock time.
func NewEnvelope(eventType Type, aggregateType, aggregateID string, payload any, metadata Metadata) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:       uuid.Must(uuid.NewV7()),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		OccurredAt:    clock.Now(),
		Payload:       payloadBytes,
		Metadata:      metadata,
	}, nil
}

// ParsePayload unmarshals the payload into the provided type.
func (e *Envelope) ParsePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
