package events

// AuthorizationPayload is the payload for payment.authorized and
// payment.declined events.
type AuthorizationPayload struct {
	AuthorizationID string `json:"authorization_id"`
	MerchantID      string `json:"merchant_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// SettlementPayload is the payload for payment.settled events.
type SettlementPayload struct {
	AuthorizationID string `json:"authorization_id"`
	MerchantID      string `json:"merchant_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// RefundPayload is the payload for payment.refunded events.
type RefundPayload struct {
	AuthorizationID string `json:"authorization_id"`
	MerchantID      string `json:"merchant_id"`
	Reason          string `json:"reason,omitempty"`
}
