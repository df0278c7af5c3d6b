package events

// Type identifies a domain event kind. The set is closed: every event
// written to the outbox carries one of these values, and Topic gives a
// total mapping to broker channels.
type Type string

const (
	TypePaymentAuthorized Type = "payment.authorized"
	TypePaymentDeclined   Type = "payment.declined"
	TypePaymentSettled    Type = "payment.settled"
	TypePaymentRefunded   Type = "payment.refunded"
)

// Broker topics. TopicFallback catches event types without a dedicated
// channel so that an unrecognized type is delivered rather than dropped.
const (
	TopicAuthorizations = "payments.authorizations"
	TopicSettlements    = "payments.settlements"
	TopicFallback       = "payments.events"
)

// Topic maps an event type to its broker channel. The mapping is total:
// unknown types route to TopicFallback.
func (t Type) Topic() string {
	switch t {
	case TypePaymentAuthorized, TypePaymentDeclined:
		return TopicAuthorizations
	case TypePaymentSettled, TypePaymentRefunded:
		return TopicSettlements
	default:
		return TopicFallback
	}
}

// Known reports whether t is one of the declared event types.
func (t Type) Known() bool {
	switch t {
	case TypePaymentAuthorized, TypePaymentDeclined, TypePaymentSettled, TypePaymentRefunded:
		return true
	}
	return false
}

// AllTopics lists every channel the platform publishes to, for consumer
// subscription wiring.
func AllTopics() []string {
	return []string{TopicAuthorizations, TopicSettlements, TopicFallback}
}
