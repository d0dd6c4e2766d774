package payment

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"paycore/internal/common/money"
)

// Field length limits, enforced on creation and on every setter.
const (
	MaxExternalIDLen  = 64
	MaxDescriptionLen = 128
)

// Item is a single order line exposed to paywalls that itemize baskets.
type Item struct {
	Name      string       `json:"name"`
	Quantity  int          `json:"quantity"`
	UnitPrice money.Amount `json:"unit_price"`
}

// Buyer holds the order's buyer details forwarded to paywalls.
type Buyer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Order is the contract the surrounding commerce domain must satisfy. The
// payment core consumes orders only through this interface; host
// applications supply their own implementation.
type Order interface {
	GetTotalAmount() money.Amount
	GetDescription() string
	GetItems() []Item
	GetBuyerInfo() Buyer
	IsReadyForPayment() bool
	GetReturnURL(success bool) string
}

// Payment is the central entity: one row per payment, bound to exactly one
// backend for its whole life. Status is mutated only through the FSM
// triggers in fsm.go.
type Payment struct {
	ID               string
	OrderID          string
	AmountRequired   money.Amount
	Currency         money.Currency
	Backend          string
	Status           Status
	FraudStatus      FraudStatus
	FraudMessage     string
	AmountLocked     money.Amount
	AmountPaid       money.Amount
	AmountRefunded   money.Amount
	ExternalID       string
	RefundExternalID string
	Description      string
	CreatedOn        time.Time
	LastPaymentOn    *time.Time
	RefundedOn       *time.Time
	UpdatedOn        time.Time

	order Order
	hooks []TransitionHook
}

// New creates a payment in status NEW for a validated order and backend
// choice. The monetary amount, currency and backend are immutable
// afterwards.
func New(order Order, orderID, backend string, currency money.Currency) (*Payment, error) {
	if order == nil {
		return nil, errors.New("order is required")
	}
	if backend == "" {
		return nil, errors.New("backend is required")
	}
	if currency == "" {
		return nil, errors.New("currency is required")
	}
	if !order.IsReadyForPayment() {
		return nil, errors.New("order is not ready for payment")
	}
	total := order.GetTotalAmount()
	if !total.IsPositive() {
		return nil, errors.New("order total must be positive")
	}

	now := time.Now().UTC()
	return &Payment{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		AmountRequired: total,
		Currency:       currency,
		Backend:        backend,
		Status:         StatusNew,
		FraudStatus:    FraudUnknown,
		AmountLocked:   money.Zero(),
		AmountPaid:     money.Zero(),
		AmountRefunded: money.Zero(),
		Description:    truncate(order.GetDescription(), MaxDescriptionLen),
		CreatedOn:      now,
		UpdatedOn:      now,
		order:          order,
	}, nil
}

// BindOrder attaches the order after a payment has been loaded from storage.
func (p *Payment) BindOrder(order Order) { p.order = order }

// Order returns the bound order, or nil when the payment was loaded without
// one.
func (p *Payment) Order() Order { return p.order }

// SetExternalID records the paywall-side identifier assigned on prepare.
func (p *Payment) SetExternalID(id string) {
	p.ExternalID = truncate(id, MaxExternalIDLen)
}

// ReturnURL resolves the URL the buyer should land on after the paywall
// round-trip. successURL/failureURL come from backend configuration and may
// contain a "{payment_id}" placeholder; when unset the order decides.
func (p *Payment) ReturnURL(success bool, successURL, failureURL string) string {
	configured := failureURL
	if success {
		configured = successURL
	}
	if configured != "" {
		return strings.ReplaceAll(configured, "{payment_id}", p.ID)
	}
	if p.order != nil {
		return p.order.GetReturnURL(success)
	}
	return ""
}

// CheckInvariants verifies the monetary invariants that must hold at rest.
// It is called before every persist.
func (p *Payment) CheckInvariants() error {
	if p.AmountPaid.IsNegative() {
		return errors.New("amount_paid is negative")
	}
	if p.AmountLocked.IsNegative() {
		return errors.New("amount_locked is negative")
	}
	if p.AmountRefunded.GreaterThan(p.AmountPaid) {
		return errors.New("amount_refunded exceeds amount_paid")
	}
	if p.Status == StatusPaid && !p.IsFullyPaid() {
		return errors.New("status PAID with amount_paid below amount_required")
	}
	if p.Status == StatusRefunded && !p.IsFullyRefunded() {
		return errors.New("status REFUNDED without full refund")
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
