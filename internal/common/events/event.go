// Package events defines the domain event envelope published on payment
// lifecycle transitions.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Payment lifecycle event types.
const (
	EventPaymentCreated       = "payment.created"
	EventPaymentPrepared      = "payment.prepared"
	EventPaymentPreAuthorized = "payment.pre_authorized"
	EventPaymentChargeSent    = "payment.charge_sent"
	EventPaymentPartiallyPaid = "payment.partially_paid"
	EventPaymentPaid          = "payment.paid"
	EventPaymentFailed        = "payment.failed"
	EventPaymentRefundStarted = "payment.refund_started"
	EventPaymentRefunded      = "payment.refunded"
	EventPaymentFraudFlagged  = "payment.fraud_flagged"
)

// Subject is the NATS subject all payment events are published on.
const Subject = "payments.events"

// Envelope wraps every event with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PaymentID     string          `json:"payment_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope for a payment event.
func NewEnvelope(eventType, paymentID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:         ulid.Make().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		PaymentID:  paymentID,
		Data:       raw,
	}, nil
}

// WithCorrelation attaches a correlation ID.
func (e *Envelope) WithCorrelation(correlationID string) *Envelope {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event payload into v.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// StatusChangedData is the payload of every lifecycle event.
type StatusChangedData struct {
	OrderID        string `json:"order_id,omitempty"`
	Backend        string `json:"backend"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	Trigger        string `json:"trigger"`
	Currency       string `json:"currency"`
	AmountRequired string `json:"amount_required"`
	AmountPaid     string `json:"amount_paid"`
	AmountLocked   string `json:"amount_locked"`
	AmountRefunded string `json:"amount_refunded"`
	ExternalID     string `json:"external_id,omitempty"`
}

// FraudFlaggedData is the payload of payment.fraud_flagged events.
type FraudFlaggedData struct {
	Backend      string `json:"backend"`
	FraudStatus  string `json:"fraud_status"`
	FraudMessage string `json:"fraud_message,omitempty"`
}
